package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentplexus/omnivoice-callflow/flow"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeFiltersByCall(t *testing.T) {
	h := New()
	_, all, cancelAll := h.Subscribe("")
	defer cancelAll()
	_, one, cancelOne := h.Subscribe("CA1")
	defer cancelOne()

	h.Publish(flow.Event{Type: flow.EventCallStarted, CallID: "CA2"})
	h.Publish(flow.Event{Type: flow.EventCallStarted, CallID: "CA1"})

	if e := <-all; e.CallID != "CA2" {
		t.Fatalf("unexpected first event: %+v", e)
	}
	if e := <-all; e.CallID != "CA1" {
		t.Fatalf("unexpected second event: %+v", e)
	}
	if e := <-one; e.CallID != "CA1" {
		t.Fatalf("filtered subscriber got %+v", e)
	}
	select {
	case e := <-one:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	h := New(WithBufferSize(1))
	_, _, cancel := h.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Publish(flow.Event{Type: flow.EventTurnAppended, CallID: "CA1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if h.Dropped() != 4 {
		t.Fatalf("expected 4 dropped events, got %d", h.Dropped())
	}
}

func TestCancelAndClose(t *testing.T) {
	h := New()
	_, events, cancel := h.Subscribe("")
	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	if h.Len() != 0 {
		t.Fatalf("expected no subscribers")
	}

	_, events, _ = h.Subscribe("")
	h.Close()
	if _, ok := <-events; ok {
		t.Fatalf("expected closed channel after Close")
	}
	_, events, _ = h.Subscribe("")
	if _, ok := <-events; ok {
		t.Fatalf("expected subscriptions after Close to be closed")
	}
}

func TestWebsocketStream(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan flow.Event, 4)
	errc := make(chan error, 1)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?call=CA9"
	go func() {
		errc <- Watch(ctx, url, "", func(e flow.Event) { got <- e })
	}()

	waitFor(t, func() bool { return h.Len() == 1 })
	h.Publish(flow.Event{Type: flow.EventCallStarted, CallID: "CA8"})
	h.Publish(flow.Event{Type: flow.EventCallEnded, CallID: "CA9", Outcome: flow.OutcomeEnded})

	select {
	case e := <-got:
		if e.Type != flow.EventCallEnded || e.CallID != "CA9" || e.Outcome != flow.OutcomeEnded {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}

	h.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not return after close")
	}
	waitFor(t, func() bool { return h.Len() == 0 })
}

func TestCrossOriginHandshakeRejected(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": {"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatalf("expected cross-origin handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
	if h.Len() != 0 {
		t.Fatalf("rejected handshake must not subscribe")
	}

	conn, _, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": {srv.URL}})
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close()
}
