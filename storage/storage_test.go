package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/bxcodec/faker/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/silarsis/serverless-game-sub003/structs"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenMem(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	})
	return s
}

func TestLoadRecordReturnsDefaultsWhenMissing(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	defaults := structs.Record{"hp": float64(10), "name": ""}
	record, err := s.LoadRecord(ctx, "e1", "Land", defaults)
	if err != nil {
		t.Fatalf("load of missing record should not error: %v", err)
	}
	if record.Float("hp") != 10 {
		t.Errorf("expected default hp, got %v", record["hp"])
	}
	if record.String("uuid") != "e1" {
		t.Errorf("expected uuid to be filled in, got %q", record["uuid"])
	}
	// Defaults must not leak mutations back.
	record["hp"] = float64(3)
	if defaults.Float("hp") != 10 {
		t.Error("mutating a loaded record changed the aspect defaults")
	}
}

func TestSaveRecordOverwritesWhole(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	r1 := structs.Record{"uuid": "e1", "a": "one", "b": "two"}
	if err := s.SaveRecord(ctx, "e1", "Land", r1); err != nil {
		t.Fatal(err)
	}
	r2 := structs.Record{"uuid": "e1", "c": "three"}
	if err := s.SaveRecord(ctx, "e1", "Land", r2); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRecord(ctx, "e1", "Land", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r2, got); diff != "" {
		t.Errorf("expected full overwrite, no merge (-want +got):\n%s", diff)
	}
}

func TestConcurrentSavesNeverMerge(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	r1 := structs.Record{"uuid": "e1", "winner": "first", "a": "one"}
	r2 := structs.Record{"uuid": "e1", "winner": "second", "b": "two"}
	for range 50 {
		wg := sync.WaitGroup{}
		for _, record := range []structs.Record{r1, r2} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.SaveRecord(ctx, "e1", "Land", record); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		got, err := s.LoadRecord(ctx, "e1", "Land", nil)
		if err != nil {
			t.Fatal(err)
		}
		if !cmp.Equal(r1, got) && !cmp.Equal(r2, got) {
			t.Fatalf("loaded record is neither input, got a merge: %v", got)
		}
	}
}

func TestRecordsAreScopedByAspect(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	if err := s.SaveRecord(ctx, "e1", "Land", structs.Record{"uuid": "e1", "kind": "land"}); err != nil {
		t.Fatal(err)
	}
	record, err := s.LoadRecord(ctx, "e1", "Identity", structs.Record{"kind": "identity"})
	if err != nil {
		t.Fatal(err)
	}
	if record.String("kind") != "identity" {
		t.Errorf("Identity load should not see Land record, got %v", record)
	}
}

func TestDestroyEntity(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	for _, aspect := range []string{"Land", "Identity"} {
		if err := s.SaveRecord(ctx, "e1", aspect, structs.Record{"uuid": "e1"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetLocation(ctx, "e1", "", "room"); err != nil {
		t.Fatal(err)
	}
	if err := s.DestroyEntity(ctx, "e1", []string{"Land", "Identity"}, "room"); err != nil {
		t.Fatal(err)
	}
	for _, aspect := range []string{"Land", "Identity"} {
		has, err := s.HasRecord(ctx, "e1", aspect)
		if err != nil {
			t.Fatal(err)
		}
		if has {
			t.Errorf("record %s should be gone", aspect)
		}
	}
	contents, err := s.Contents(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 0 {
		t.Errorf("location index should be empty, got %v", contents)
	}
}

func TestLocationIndex(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	if err := s.SetLocation(ctx, "e1", "", "room1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLocation(ctx, "e2", "", "room1"); err != nil {
		t.Fatal(err)
	}
	contents, err := s.Contents(ctx, "room1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1", "e2"}, contents); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetLocation(ctx, "e1", "room1", "room2"); err != nil {
		t.Fatal(err)
	}
	contents, err = s.Contents(ctx, "room1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e2"}, contents); diff != "" {
		t.Errorf("contents after move mismatch (-want +got):\n%s", diff)
	}
}

func TestEachRecord(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	for _, uuid := range []string{"e1", "e2"} {
		if err := s.SaveRecord(ctx, uuid, "Land", structs.Record{"uuid": uuid}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveRecord(ctx, "e3", "Identity", structs.Record{"uuid": "e3"}); err != nil {
		t.Fatal(err)
	}
	seen := []string{}
	if err := s.EachRecord(ctx, "Land", func(uuid string, record structs.Record) (bool, error) {
		seen = append(seen, uuid)
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1", "e2"}, seen); diff != "" {
		t.Errorf("EachRecord mismatch (-want +got):\n%s", diff)
	}
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	s := testStorage(t)

	username := faker.Username()
	if err := s.SetAccount(ctx, &Account{
		Username:     username,
		PasswordHash: "$argon2id$fake",
		Admin:        true,
	}); err != nil {
		t.Fatal(err)
	}
	account, err := s.GetAccount(ctx, username)
	if err != nil {
		t.Fatal(err)
	}
	if account.Username != username || !account.Admin {
		t.Errorf("unexpected account: %+v", account)
	}
	if account.CreatedAt == "" {
		t.Error("expected created_at to be set")
	}

	// Upsert flips the admin flag without erroring.
	if err := s.SetAccount(ctx, &Account{Username: username, PasswordHash: "$argon2id$fake", Admin: false}); err != nil {
		t.Fatal(err)
	}
	account, err = s.GetAccount(ctx, username)
	if err != nil {
		t.Fatal(err)
	}
	if account.Admin {
		t.Error("expected admin flag cleared after upsert")
	}
}
