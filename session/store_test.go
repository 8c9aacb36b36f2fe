package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seed() []Turn {
	return []Turn{System("you are a receptionist"), Assistant("Hello!")}
}

func TestCreateIsIdempotent(t *testing.T) {
	s := NewStore()

	sess, created, err := s.Create("CA1", "+15551234567", seed())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected first create to create")
	}
	if len(sess.Transcript) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(sess.Transcript))
	}

	if err := s.Append("CA1", User("John Smith"), Assistant("Thanks John.")); err != nil {
		t.Fatalf("append: %v", err)
	}

	again, created, err := s.Create("CA1", "+15550000000", seed())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected second create to keep the existing session")
	}
	if len(again.Transcript) != 4 {
		t.Fatalf("expected transcript to survive, got %d turns", len(again.Transcript))
	}
	if again.Caller != "+15551234567" {
		t.Fatalf("expected original caller, got %s", again.Caller)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Create("CA1", "", seed()); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, ok := s.Get("CA1")
	if !ok {
		t.Fatalf("expected session")
	}
	sess.Transcript[0].Text = "mutated"
	sess.Transcript = append(sess.Transcript, User("extra"))

	fresh, _ := s.Get("CA1")
	if fresh.Transcript[0].Text == "mutated" || len(fresh.Transcript) != 2 {
		t.Fatalf("store state leaked through Get: %+v", fresh.Transcript)
	}
}

func TestAppendUnknownCall(t *testing.T) {
	s := NewStore()
	err := s.Append("missing", User("hello"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendIsAtomic(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Create("CA1", "", seed()); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.Append("CA1", User("hi"), Assistant("   "))
	if !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("expected ErrInvalidTurn, got %v", err)
	}
	sess, _ := s.Get("CA1")
	if len(sess.Transcript) != 2 {
		t.Fatalf("expected no turns appended, got %d", len(sess.Transcript))
	}
}

func TestCreateRejectsInvalidSeed(t *testing.T) {
	s := NewStore()
	_, _, err := s.Create("CA1", "", []Turn{{Role: "narrator", Text: "x"}})
	if !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("expected ErrInvalidTurn, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no session, got %d", s.Len())
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Create("CA1", "", seed()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("CA1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("CA1"); ok {
		t.Fatalf("expected session to be gone")
	}
	if err := s.Delete("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCreatedAtUsesClock(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return at }))
	sess, _, err := s.Create("CA1", "", seed())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sess.CreatedAt.Equal(at) {
		t.Fatalf("expected %v, got %v", at, sess.CreatedAt)
	}
}

func TestLockSerializesSameCall(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Create("CA1", "", seed()); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := s.Lock("CA1")
			defer unlock()
			// user then assistant must stay adjacent under the call lock
			_ = s.Append("CA1", User(fmt.Sprintf("u%d", i)))
			_ = s.Append("CA1", Assistant(fmt.Sprintf("a%d", i)))
		}(i)
	}
	wg.Wait()

	sess, _ := s.Get("CA1")
	if len(sess.Transcript) != 2+2*workers {
		t.Fatalf("expected %d turns, got %d", 2+2*workers, len(sess.Transcript))
	}
	for i := 2; i < len(sess.Transcript); i += 2 {
		u, a := sess.Transcript[i], sess.Transcript[i+1]
		if u.Role != RoleUser || a.Role != RoleAssistant || u.Text[1:] != a.Text[1:] {
			t.Fatalf("interleaved turns at %d: %+v %+v", i, u, a)
		}
	}
	if n := s.locks.size(); n != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", n)
	}
}

func TestLockDoesNotBlockOtherCalls(t *testing.T) {
	s := NewStore()
	unlockA := s.Lock("CA-A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := s.Lock("CA-B")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on CA-B blocked behind CA-A")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	s := NewStore()
	unlock := s.Lock("CA1")
	unlock()
	unlock()

	relock := s.Lock("CA1")
	relock()
}

func TestLenAcrossShards(t *testing.T) {
	s := NewStore()
	for i := 0; i < 100; i++ {
		if _, _, err := s.Create(fmt.Sprintf("CA%03d", i), "", seed()); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if s.Len() != 100 {
		t.Fatalf("expected 100 sessions, got %d", s.Len())
	}
}
