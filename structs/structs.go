package structs

import (
	"github.com/google/uuid"
	sgame "github.com/silarsis/serverless-game-sub003"

	goccy "github.com/goccy/go-json"
)

// Record is the full state of one aspect for one entity. Records are loaded
// whole before an action runs and written back whole afterwards; the last
// write wins and nothing merges.
type Record map[string]any

func (r Record) Clone() Record {
	result := make(Record, len(r))
	for k, v := range r {
		result[k] = v
	}
	return result
}

func (r Record) String(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

func (r Record) Bool(key string) bool {
	if b, ok := r[key].(bool); ok {
		return b
	}
	return false
}

func (r Record) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []any:
		result := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

// Float reads a numeric field. JSON decoding produces float64 for all
// numbers, so integer-valued fields pass through here too.
func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Envelope is the unit carried on the bus. Callback, when present, describes
// the next envelope to publish once this action's result is known; callbacks
// nest arbitrarily deep, so the whole reply path travels inline and the bus
// stays stateless.
type Envelope struct {
	TID      string         `json:"tid"`
	Aspect   string         `json:"aspect"`
	Action   string         `json:"action"`
	UUID     string         `json:"uuid"`
	Data     map[string]any `json:"data,omitempty"`
	Callback *Envelope      `json:"callback,omitempty"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	b, err := goccy.Marshal(e)
	return b, sgame.WithStack(err)
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := goccy.Unmarshal(b, e); err != nil {
		return nil, sgame.WithStack(err)
	}
	return e, nil
}

// Missing returns the names of required envelope fields that are empty.
func (e *Envelope) Missing() []string {
	missing := []string{}
	if e.Aspect == "" {
		missing = append(missing, "aspect")
	}
	if e.Action == "" {
		missing = append(missing, "action")
	}
	if e.UUID == "" {
		missing = append(missing, "uuid")
	}
	return missing
}

// Continuation builds the envelope to publish after this one's action
// returned result: the callback's own data with result merged on top, under
// the callback's target. Returns nil if no callback is attached.
func (e *Envelope) Continuation(result map[string]any) *Envelope {
	c := e.Callback
	if c == nil {
		return nil
	}
	data := map[string]any{}
	for k, v := range c.Data {
		data[k] = v
	}
	for k, v := range result {
		data[k] = v
	}
	return &Envelope{
		TID:      e.TID,
		Aspect:   c.Aspect,
		Action:   c.Action,
		UUID:     c.UUID,
		Data:     data,
		Callback: c.Callback,
	}
}

// Call is a builder for envelopes with chained continuations, mirroring how
// an aspect method asks for work and routes the reply back to itself.
type Call struct {
	Envelope
	originator string
}

func NewCall(tid string, originator string, uuid string, aspect string, action string, data map[string]any) *Call {
	if tid == "" {
		tid = NewTID()
	}
	return &Call{
		Envelope: Envelope{
			TID:    tid,
			Aspect: aspect,
			Action: action,
			UUID:   uuid,
			Data:   data,
		},
		originator: originator,
	}
}

// ThenCall appends a continuation to the deepest point of the callback chain.
// An empty uuid targets the call's originator.
func (c *Call) ThenCall(aspect string, action string, uuid string, data map[string]any) *Call {
	if uuid == "" {
		uuid = c.originator
	}
	callback := &Envelope{
		TID:    c.TID,
		Aspect: aspect,
		Action: action,
		UUID:   uuid,
		Data:   data,
	}
	at := &c.Envelope
	for at.Callback != nil {
		at = at.Callback
	}
	at.Callback = callback
	return c
}

func NewTID() string {
	return uuid.NewString()
}

func NewEntityID() string {
	return uuid.NewString()
}

// Event is a server-to-client push. Shape beyond "type" is aspect-defined.
type Event map[string]any

func ErrorEvent(message string) Event {
	return Event{"type": "error", "message": message}
}

func (e Event) Marshal() ([]byte, error) {
	b, err := goccy.Marshal(e)
	return b, sgame.WithStack(err)
}
