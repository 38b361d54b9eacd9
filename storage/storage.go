// Package storage persists aspect records, the location index, the deferred
// queue and the account database. Records are schemaless JSON maps written
// whole; there are no cross-record transactions and the last write wins.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/storage/dbm"
	"github.com/silarsis/serverless-game-sub003/structs"

	goccy "github.com/goccy/go-json"

	_ "modernc.org/sqlite"
)

// KV is the contract every record backend satisfies. Get returns
// os.ErrNotExist (wrapped) for missing keys.
type KV interface {
	Get(k string) ([]byte, error)
	Set(k string, v []byte) error
	Del(k string) error
	Each(f func(k string, v []byte) (bool, error)) error
	Close() error
}

// Tree is a KV whose First returns the entry with the smallest key.
type Tree interface {
	KV
	First() (string, []byte, error)
}

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	admin INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

type Account struct {
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	Admin        bool   `db:"admin"`
	CreatedAt    string `db:"created_at"`
}

type Storage struct {
	records  KV
	index    KV
	deferred Tree
	accounts *sqlx.DB
}

// Open opens the databases under dir, creating them as needed.
func Open(ctx context.Context, dir string) (*Storage, error) {
	records, err := dbm.OpenHash(filepath.Join(dir, "records"))
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	index, err := dbm.OpenHash(filepath.Join(dir, "index"))
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	deferred, err := dbm.OpenTree(filepath.Join(dir, "deferred"))
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	accounts, err := sqlx.ConnectContext(ctx, "sqlite", filepath.Join(dir, "accounts.db"))
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	if _, err := accounts.ExecContext(ctx, accountSchema); err != nil {
		return nil, sgame.WithStack(err)
	}
	return &Storage{
		records:  records,
		index:    index,
		deferred: deferred,
		accounts: accounts,
	}, nil
}

// OpenMem returns a Storage on in-memory backends, for tests.
func OpenMem(ctx context.Context) (*Storage, error) {
	accounts, err := sqlx.ConnectContext(ctx, "sqlite", ":memory:")
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	if _, err := accounts.ExecContext(ctx, accountSchema); err != nil {
		return nil, sgame.WithStack(err)
	}
	return &Storage{
		records:  NewMemHash(),
		index:    NewMemHash(),
		deferred: NewMemTree(),
		accounts: accounts,
	}, nil
}

func (s *Storage) Close() error {
	for _, c := range []KV{s.records, s.index, s.deferred} {
		if err := c.Close(); err != nil {
			return sgame.WithStack(err)
		}
	}
	return sgame.WithStack(s.accounts.Close())
}

func (s *Storage) Deferred() Tree {
	return s.deferred
}

func recordKey(uuid string, aspect string) string {
	return aspect + "/" + uuid
}

// LoadRecord returns the record for (uuid, aspect), or a copy of defaults if
// none was ever saved. Absence is never an error; the record materializes on
// first save.
func (s *Storage) LoadRecord(ctx context.Context, uuid string, aspect string, defaults structs.Record) (structs.Record, error) {
	b, err := s.records.Get(recordKey(uuid, aspect))
	if errors.Is(err, os.ErrNotExist) {
		record := defaults.Clone()
		if record == nil {
			record = structs.Record{}
		}
		record["uuid"] = uuid
		return record, nil
	} else if err != nil {
		return nil, sgame.WithStack(err)
	}
	record := structs.Record{}
	if err := goccy.Unmarshal(b, &record); err != nil {
		return nil, sgame.WithStack(err)
	}
	return record, nil
}

// SaveRecord overwrites the whole record. Concurrent savers race and the
// later write wins in full.
func (s *Storage) SaveRecord(ctx context.Context, uuid string, aspect string, record structs.Record) error {
	b, err := goccy.Marshal(record)
	if err != nil {
		return sgame.WithStack(err)
	}
	return sgame.WithStack(s.records.Set(recordKey(uuid, aspect), b))
}

func (s *Storage) DelRecord(ctx context.Context, uuid string, aspect string) error {
	return sgame.WithStack(s.records.Del(recordKey(uuid, aspect)))
}

func (s *Storage) HasRecord(ctx context.Context, uuid string, aspect string) (bool, error) {
	_, err := s.records.Get(recordKey(uuid, aspect))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, sgame.WithStack(err)
	}
	return true, nil
}

// EachRecord visits every saved record of one aspect.
func (s *Storage) EachRecord(ctx context.Context, aspect string, f func(uuid string, record structs.Record) (bool, error)) error {
	prefix := aspect + "/"
	return sgame.WithStack(s.records.Each(func(k string, v []byte) (bool, error) {
		if !strings.HasPrefix(k, prefix) {
			return true, nil
		}
		record := structs.Record{}
		if err := goccy.Unmarshal(v, &record); err != nil {
			return false, sgame.WithStack(err)
		}
		return f(strings.TrimPrefix(k, prefix), record)
	}))
}

// DestroyEntity removes every listed aspect record for the entity, plus its
// location index entry.
func (s *Storage) DestroyEntity(ctx context.Context, uuid string, aspects []string, location string) error {
	for _, aspect := range aspects {
		if err := s.DelRecord(ctx, uuid, aspect); err != nil {
			return sgame.WithStack(err)
		}
	}
	if location != "" {
		if err := s.index.Del(locationKey(location, uuid)); err != nil {
			return sgame.WithStack(err)
		}
	}
	return nil
}

func locationKey(location string, uuid string) string {
	return "loc/" + location + "/" + uuid
}

// SetLocation moves uuid between location index entries. Either side may be
// empty for "nowhere".
func (s *Storage) SetLocation(ctx context.Context, uuid string, from string, to string) error {
	if from != "" {
		if err := s.index.Del(locationKey(from, uuid)); err != nil {
			return sgame.WithStack(err)
		}
	}
	if to != "" {
		if err := s.index.Set(locationKey(to, uuid), []byte{}); err != nil {
			return sgame.WithStack(err)
		}
	}
	return nil
}

// Contents returns the entities whose location index entry points at location.
func (s *Storage) Contents(ctx context.Context, location string) ([]string, error) {
	prefix := "loc/" + location + "/"
	result := []string{}
	if err := s.index.Each(func(k string, v []byte) (bool, error) {
		if strings.HasPrefix(k, prefix) {
			result = append(result, strings.TrimPrefix(k, prefix))
		}
		return true, nil
	}); err != nil {
		return nil, sgame.WithStack(err)
	}
	return result, nil
}

func (s *Storage) GetAccount(ctx context.Context, username string) (*Account, error) {
	account := &Account{}
	if err := s.accounts.GetContext(ctx, account, "SELECT * FROM accounts WHERE username = ?", username); err != nil {
		return nil, sgame.WithStack(err)
	}
	return account, nil
}

func (s *Storage) SetAccount(ctx context.Context, account *Account) error {
	if account.CreatedAt == "" {
		account.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.accounts.NamedExecContext(ctx, `
INSERT INTO accounts (username, password_hash, admin, created_at)
VALUES (:username, :password_hash, :admin, :created_at)
ON CONFLICT (username) DO UPDATE SET password_hash = :password_hash, admin = :admin`,
		account)
	return sgame.WithStack(err)
}
