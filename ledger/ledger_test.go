package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStorePutOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := Record{CallID: "CA1", Outcome: "ended", EndedAt: time.Now()}

	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_ = s.Put(ctx, Record{CallID: "old", EndedAt: base})
	_ = s.Put(ctx, Record{CallID: "new", EndedAt: base.Add(time.Minute)})
	_ = s.Put(ctx, Record{CallID: "mid", EndedAt: base.Add(time.Second)})

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].CallID != "new" || all[2].CallID != "old" {
		t.Fatalf("unexpected order: %+v", all)
	}

	two, _ := s.List(ctx, 2)
	if len(two) != 2 || two[1].CallID != "mid" {
		t.Fatalf("unexpected limited list: %+v", two)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/00001_call_outcomes.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("migration is empty")
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CALLFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CALLFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	p, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	callID := "CA" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := Record{
		CallID:    callID,
		Caller:    "+15551234567",
		Outcome:   "notification_sent",
		Turns:     8,
		StartedAt: now.Add(-2 * time.Minute),
		EndedAt:   now,
	}
	if err := p.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := p.Put(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	list, err := p.List(ctx, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found bool
	for _, r := range list {
		if r.CallID == callID {
			found = true
			if r.Outcome != rec.Outcome || r.Turns != rec.Turns {
				t.Fatalf("unexpected record: %+v", r)
			}
		}
	}
	if !found {
		t.Fatalf("record %s not listed", callID)
	}
}
