// Package console is the operator's side door: an SSH server with password
// auth against the account database, restricted to admin accounts. It reads
// records and counters directly and injects envelopes onto the bus, bypassing
// the player command path on purpose.
package console

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/auth"
	"github.com/silarsis/serverless-game-sub003/game"
	"github.com/silarsis/serverless-game-sub003/storage"
	"github.com/silarsis/serverless-game-sub003/structs"
	"golang.org/x/term"

	goccy "github.com/goccy/go-json"

	gossh "golang.org/x/crypto/ssh"
)

type Console struct {
	game   *game.Game
	audit  *storage.AuditLogger
	logger *log.Logger
}

func New(g *game.Game, audit *storage.AuditLogger, logger *log.Logger) *Console {
	if logger == nil {
		logger = log.Default()
	}
	return &Console{game: g, audit: audit, logger: logger}
}

// Server builds the SSH server. The password handler admits admin accounts
// only; everyone else fails as if the password were wrong.
func (c *Console) Server(addr string, signer gossh.Signer) *ssh.Server {
	server := &ssh.Server{
		Addr:    addr,
		Handler: c.handleSession,
		PasswordHandler: func(ctx ssh.Context, password string) bool {
			account, err := c.game.Store().GetAccount(ctx, ctx.User())
			if errors.Is(err, sql.ErrNoRows) {
				c.audit.Log("", "admin_login_failed", map[string]any{"account": ctx.User()})
				return false
			} else if err != nil {
				c.logger.Printf("looking up %q: %v", ctx.User(), err)
				return false
			}
			if !account.Admin || !auth.VerifyPassword(password, account.PasswordHash) {
				c.audit.Log("", "admin_login_failed", map[string]any{"account": ctx.User()})
				return false
			}
			return true
		},
	}
	server.AddHostKey(signer)
	return server
}

type session struct {
	console   *Console
	term      *term.Terminal
	account   string
	sessionID string
	ctx       context.Context
}

func (c *Console) handleSession(sess ssh.Session) {
	sessionID, err := sgame.NextUniqueID()
	if err != nil {
		c.logger.Printf("generating session id: %v", err)
		return
	}
	s := &session{
		console:   c,
		term:      term.NewTerminal(sess, "> "),
		account:   sess.User(),
		sessionID: sessionID,
		ctx:       sess.Context(),
	}
	c.audit.Log(sessionID, "admin_login", map[string]any{"account": s.account})
	fmt.Fprintf(s.term, "Connected as %s. Type 'help' for commands.\n", s.account)
	for {
		line, err := s.term.ReadLine()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.run(line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(s.term, "Error: %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func (s *session) run(line string) error {
	words, err := shellwords.SplitPosix(line)
	if err != nil {
		return sgame.WithStack(err)
	}
	s.console.audit.Log(s.sessionID, "admin_command", map[string]any{
		"account": s.account,
		"command": line,
	})
	cmd, args := words[0], words[1:]
	switch cmd {
	case "help":
		return s.help()
	case "entities":
		return s.entities()
	case "aspects":
		return s.aspects()
	case "record":
		return s.record(args)
	case "call":
		return s.call(args)
	case "create":
		return s.create(args)
	case "destroy":
		return s.destroy(args)
	case "drops":
		return s.drops()
	case "adduser":
		return s.adduser(args)
	case "quit", "exit":
		return errQuit
	}
	return errors.Errorf("unknown command %q", cmd)
}

func (s *session) help() error {
	t := table.New("Command", "Description").WithWriter(s.term)
	t.AddRow("entities", "List all entities.")
	t.AddRow("aspects", "List registered aspects.")
	t.AddRow("record <aspect> <uuid>", "Show one aspect record.")
	t.AddRow("call <aspect> <action> <uuid> [json]", "Publish an envelope on the bus.")
	t.AddRow("create <name> <primary> [aspect ...]", "Create an entity.")
	t.AddRow("destroy <uuid>", "Destroy an entity.")
	t.AddRow("drops", "Show dropped-message counters.")
	t.AddRow("adduser <name> <password> [admin]", "Create or update an account.")
	t.AddRow("quit", "Close this session.")
	t.Print()
	return nil
}

func (s *session) entities() error {
	t := table.New("UUID", "Name", "Location", "Connection", "System").WithWriter(s.term)
	if err := s.console.game.Store().EachRecord(s.ctx, game.PresenceAspect, func(uuid string, record structs.Record) (bool, error) {
		t.AddRow(uuid, record.String("name"), record.String("location"),
			record.String("connection_id"), record.Bool("system"))
		return true, nil
	}); err != nil {
		return sgame.WithStack(err)
	}
	t.Print()
	return nil
}

func (s *session) aspects() error {
	for _, name := range s.console.game.Registry().Aspects() {
		fmt.Fprintln(s.term, name)
	}
	return nil
}

func (s *session) record(args []string) error {
	if len(args) != 2 {
		return errors.Errorf("usage: record <aspect> <uuid>")
	}
	record, err := s.console.game.Store().LoadRecord(s.ctx, args[1], args[0],
		s.console.game.Registry().Defaults(args[0]))
	if err != nil {
		return sgame.WithStack(err)
	}
	b, err := goccy.MarshalIndent(record, "", "  ")
	if err != nil {
		return sgame.WithStack(err)
	}
	fmt.Fprintln(s.term, string(b))
	return nil
}

func (s *session) call(args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return errors.Errorf("usage: call <aspect> <action> <uuid> [json]")
	}
	data := map[string]any{}
	if len(args) == 4 {
		if err := goccy.Unmarshal([]byte(args[3]), &data); err != nil {
			return sgame.WithStack(err)
		}
	}
	env := &structs.Envelope{
		TID:    structs.NewTID(),
		Aspect: args[0],
		Action: args[1],
		UUID:   args[2],
		Data:   data,
	}
	if err := s.console.game.Publish(s.ctx, env); err != nil {
		return sgame.WithStack(err)
	}
	fmt.Fprintf(s.term, "Published %s\n", env.TID)
	return nil
}

func (s *session) create(args []string) error {
	if len(args) < 2 {
		return errors.Errorf("usage: create <name> <primary> [aspect ...]")
	}
	aspects := append([]string{args[1]}, args[2:]...)
	uuid, err := s.console.game.CreateEntity(s.ctx, args[0], args[1], aspects, false)
	if err != nil {
		return sgame.WithStack(err)
	}
	fmt.Fprintf(s.term, "Created %s\n", uuid)
	return nil
}

func (s *session) destroy(args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: destroy <uuid>")
	}
	return sgame.WithStack(s.console.game.Publish(s.ctx, &structs.Envelope{
		TID:    structs.NewTID(),
		Aspect: game.PresenceAspect,
		Action: "destroy",
		UUID:   args[0],
	}))
}

func (s *session) drops() error {
	t := table.New("Class", "Dropped").WithWriter(s.term)
	counts := s.console.game.DropCounts()
	for _, class := range []string{"malformed", "unauthorized", "unknown_target", "handler"} {
		t.AddRow(class, counts[class])
	}
	t.Print()
	return nil
}

func (s *session) adduser(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.Errorf("usage: adduser <name> <password> [admin]")
	}
	hash, err := auth.HashPassword(args[1])
	if err != nil {
		return sgame.WithStack(err)
	}
	account := &storage.Account{
		Username:     args[0],
		PasswordHash: hash,
		Admin:        len(args) == 3 && args[2] == "admin",
	}
	if err := s.console.game.Store().SetAccount(s.ctx, account); err != nil {
		return sgame.WithStack(err)
	}
	fmt.Fprintf(s.term, "Saved account %q (admin=%v)\n", account.Username, account.Admin)
	return nil
}
