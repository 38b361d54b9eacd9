// Package lang renders small pieces of English for push events.
package lang

import (
	"fmt"
	"strings"

	"github.com/gertd/go-pluralize"
)

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

var plural = pluralize.NewClient()

// Enumerator joins elements into prose: "a sword, a shield and a lamp".
type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
}

func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	rendered := make([]string, len(elements))
	for i, element := range elements {
		rendered[i] = fmt.Sprintf(pattern, element)
	}
	switch len(rendered) {
	case 0:
		return ""
	case 1:
		return rendered[0]
	}
	head := strings.Join(rendered[:len(rendered)-1], separator+" ")
	return head + " " + operator + " " + rendered[len(rendered)-1]
}

// CountNoun renders "1 goblin" or "3 goblins".
func CountNoun(count int, noun string) string {
	return fmt.Sprintf("%d %s", count, plural.Pluralize(noun, count, false))
}
