// Package web is the client transport: a WebSocket endpoint that verifies a
// token at connect time, then feeds command frames to the router and carries
// push events back. Frames are JSON objects, with a shell-style text form
// accepted for humans poking at the socket.
package web

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/auth"
	"github.com/silarsis/serverless-game-sub003/game"
	"github.com/silarsis/serverless-game-sub003/structs"

	goccy "github.com/goccy/go-json"
)

const (
	writeTimeout = 10 * time.Second
	tokenTTL     = 24 * time.Hour
)

// channel adapts one WebSocket connection to the pipe's Channel. Writes are
// serialized; pushes and command replies share the same connection.
type channel struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *channel) ID() string {
	return c.id
}

func (c *channel) Send(event structs.Event) error {
	b, err := event.Marshal()
	if err != nil {
		return sgame.WithStack(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return sgame.WithStack(err)
	}
	return sgame.WithStack(c.conn.WriteMessage(websocket.TextMessage, b))
}

type Gateway struct {
	game     *game.Game
	verifier *auth.JWTVerifier
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewGateway(g *game.Game, verifier *auth.JWTVerifier, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		game:     g,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (gw *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", gw.handleLogin)
	mux.HandleFunc("/ws", gw.handleWS)
	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (gw *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := loginRequest{}
	if err := goccy.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	token, err := gw.verifier.Login(r.Context(), req.Username, req.Password, tokenTTL)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = goccy.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (gw *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := gw.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Printf("upgrade failed for %s: %v", identity.Account, err)
		return
	}

	sessionID, err := sgame.NextUniqueID()
	if err != nil {
		gw.logger.Printf("generating session id: %v", err)
		conn.Close()
		return
	}
	ch := &channel{id: sessionID, conn: conn}
	caller := game.Caller{
		Account:   identity.Account,
		Admin:     identity.Admin,
		SessionID: sessionID,
	}

	pipe := gw.game.Pipe()
	pipe.Register(ch)
	gw.logger.Printf("session %s opened for %s", sessionID, identity.Account)

	// The connection's lifetime is the read loop; any read error is the close
	// notification.
	ctx := context.Background()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			pipe.HandleClose(ctx, ch.ID())
			gw.logger.Printf("session %s closed: %v", sessionID, err)
			return
		}
		cmd, err := parseCommand(payload)
		if err != nil {
			if sendErr := ch.Send(structs.ErrorEvent(err.Error())); sendErr != nil {
				pipe.HandleClose(ctx, ch.ID())
				return
			}
			continue
		}
		gw.game.HandleCommand(ctx, ch, caller, cmd)
	}
}

// parseCommand accepts a JSON command frame, or a text line like
// "move destination=meadow" where key=value pairs become the data map and
// bare words collect under "args".
func parseCommand(payload []byte) (game.Command, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		cmd := game.Command{}
		if err := goccy.Unmarshal(payload, &cmd); err != nil {
			return game.Command{}, sgame.WithStack(err)
		}
		return cmd, nil
	}
	words, err := shellwords.SplitPosix(trimmed)
	if err != nil {
		return game.Command{}, sgame.WithStack(err)
	}
	if len(words) == 0 {
		return game.Command{}, sgame.WithStack(ErrEmptyCommand)
	}
	cmd := game.Command{Command: words[0], Data: map[string]any{}}
	args := []string{}
	for _, word := range words[1:] {
		if key, value, found := strings.Cut(word, "="); found && key != "" {
			cmd.Data[key] = value
		} else {
			args = append(args, word)
		}
	}
	if len(args) > 0 {
		cmd.Data["args"] = args
	}
	return cmd, nil
}

var ErrEmptyCommand = errors.New("empty command")
