package web

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/silarsis/serverless-game-sub003/auth"
	"github.com/silarsis/serverless-game-sub003/game"
	"github.com/silarsis/serverless-game-sub003/storage"

	goccy "github.com/goccy/go-json"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    game.Command
		wantErr bool
	}{
		{
			name:    "json frame",
			payload: `{"command":"move","data":{"destination":"meadow"}}`,
			want:    game.Command{Command: "move", Data: map[string]any{"destination": "meadow"}},
		},
		{
			name:    "text with pairs",
			payload: "move destination=meadow",
			want:    game.Command{Command: "move", Data: map[string]any{"destination": "meadow"}},
		},
		{
			name:    "text with quoted value",
			payload: `set_name name="Bob the Builder"`,
			want:    game.Command{Command: "set_name", Data: map[string]any{"name": "Bob the Builder"}},
		},
		{
			name:    "bare words collect as args",
			payload: "look around carefully",
			want:    game.Command{Command: "look", Data: map[string]any{"args": []string{"around", "carefully"}}},
		},
		{
			name:    "plain command",
			payload: "look",
			want:    game.Command{Command: "look", Data: map[string]any{}},
		},
		{
			name:    "empty",
			payload: "   ",
			wantErr: true,
		},
		{
			name:    "broken json",
			payload: `{"command":`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseCommand() mismatch:\n%s", diff)
			}
		})
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *game.Game, *auth.JWTVerifier) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenMem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	g, err := game.New(ctx, store, log.New(io.Discard, "", 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	verifier := auth.NewJWTVerifier([]byte("test-secret"), store)
	srv := httptest.NewServer(NewGateway(g, verifier, log.New(io.Discard, "", 0)).Handler())
	t.Cleanup(func() {
		srv.Close()
		g.Drain()
		if err := g.Stop(); err != nil {
			t.Error(err)
		}
		if err := store.Close(); err != nil {
			t.Error(err)
		}
	})

	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetAccount(ctx, &storage.Account{
		Username:     "bob",
		PasswordHash: hash,
	}); err != nil {
		t.Fatal(err)
	}
	return srv, g, verifier
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /ws without token = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/login", "application/json",
		bytes.NewBufferString(`{"username":"bob","password":"wrong"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("login with bad password = %d, want 401", resp.StatusCode)
	}
}

func TestLoginAndCommandRoundTrip(t *testing.T) {
	srv, g, _ := newTestServer(t)
	ctx := context.Background()

	uuid, err := g.CreateEntity(ctx, "widget", game.PresenceAspect, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(srv.URL+"/login", "application/json",
		bytes.NewBufferString(`{"username":"bob","password":"hunter2"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d, want 200", resp.StatusCode)
	}
	login := map[string]string{}
	if err := goccy.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + login["token"]
	conn, dialResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if dialResp != nil {
			dialResp.Body.Close()
		}
	})

	if err := conn.WriteJSON(game.Command{
		Command: "possess",
		Data:    map[string]any{"entity_uuid": uuid, "entity_aspect": game.PresenceAspect},
	}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	event := map[string]any{}
	if err := goccy.Unmarshal(payload, &event); err != nil {
		t.Fatal(err)
	}
	if event["type"] != "possess" || event["entity_uuid"] != uuid {
		t.Errorf("possess reply = %v", event)
	}
}
