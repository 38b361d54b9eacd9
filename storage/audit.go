package storage

import (
	"os"
	"sync"
	"time"

	sgame "github.com/silarsis/serverless-game-sub003"

	goccy "github.com/goccy/go-json"
)

// AuditLogger writes security-relevant events (possession, unauthorized
// commands, admin activity) to a log file as JSON lines. A nil logger is
// valid and drops everything.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *goccy.Encoder
}

type auditEntry struct {
	Time      string         `json:"time"`
	SessionID string         `json:"session_id,omitempty"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

func OpenAudit(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	return &AuditLogger{
		file: file,
		enc:  goccy.NewEncoder(file),
	}, nil
}

func (a *AuditLogger) Log(sessionID string, event string, data map[string]any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Best effort: an audit write failure must never fail the operation
	// being audited.
	_ = a.enc.Encode(auditEntry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Event:     event,
		Data:      data,
	})
}

func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return sgame.WithStack(a.file.Close())
}
