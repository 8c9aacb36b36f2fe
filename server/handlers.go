package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/ledger"
	"github.com/agentplexus/omnivoice-callflow/twiml"
)

// hangupDocument is served when rendering fails, so Twilio still gets
// valid TwiML and ends the call.
const hangupDocument = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" + `<Response><Hangup></Hangup></Response>`

func callback(r *http.Request) flow.Callback {
	return flow.Callback{
		CallID: r.Form.Get("CallSid"),
		From:   r.Form.Get("From"),
		To:     r.Form.Get("To"),
		Speech: r.Form.Get("SpeechResult"),
	}
}

func (s *Server) parse(w http.ResponseWriter, r *http.Request) (flow.Callback, bool) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return flow.Callback{}, false
	}
	return callback(r), true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cb, ok := s.parse(w, r)
	if !ok {
		return
	}
	if s.deps.Calls != nil && cb.CallID != "" {
		if _, err := s.deps.Calls.HandleIncomingWebhook(cb.CallID, cb.From, cb.To); err != nil {
			s.logger.Warn("incoming call handler failed", "call_id", cb.CallID, "err", err)
		}
	}
	s.writeResult(w, r, s.deps.Flow.Start(r.Context(), cb))
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if cb, ok := s.parse(w, r); ok {
		s.writeResult(w, r, s.deps.Flow.Respond(r.Context(), cb))
	}
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if cb, ok := s.parse(w, r); ok {
		s.writeResult(w, r, s.deps.Flow.Listen(r.Context(), cb))
	}
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if cb, ok := s.parse(w, r); ok {
		s.writeResult(w, r, s.deps.Flow.End(r.Context(), cb))
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if cb, ok := s.parse(w, r); ok {
		s.writeResult(w, r, s.deps.Flow.Notify(r.Context(), cb))
	}
}

// handleStatus applies a status callback. A finished call is ended even if
// Twilio never fetched the end-call webhook.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cb, ok := s.parse(w, r)
	if !ok {
		return
	}
	status := r.Form.Get("CallStatus")

	ended := callflow.IsTerminalStatus(status)
	if s.deps.Calls != nil && cb.CallID != "" {
		ended = s.deps.Calls.HandleStatusCallback(cb.CallID, status)
	}
	s.logger.Debug("call status", "call_id", cb.CallID, "status", status)

	if ended && cb.CallID != "" {
		// Cleanup must finish even if Twilio drops the callback connection.
		ctx := context.WithoutCancel(r.Context())
		res := s.deps.Flow.End(ctx, cb)
		s.logResult(r, cb.CallID, res)
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResult renders TwiML. Webhooks always answer 200 so Twilio plays
// the instructions, including the apology on failures. A result that
// hangs up also drops the call from the registry.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res flow.Result) {
	cb := callback(r)
	s.logResult(r, cb.CallID, res)
	if res.Outcome.Terminal() && s.deps.Calls != nil && cb.CallID != "" {
		s.deps.Calls.Forget(cb.CallID)
	}

	doc, err := s.deps.Renderer.Render(res.Instructions)
	if err != nil {
		s.logger.Error("render twiml", "call_id", cb.CallID, "err", err)
		doc = []byte(hangupDocument)
	}
	w.Header().Set("Content-Type", twiml.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) logResult(r *http.Request, callID string, res flow.Result) {
	reqID, _ := RequestIDFrom(r.Context())
	if res.Err != nil {
		s.logger.Warn("call step failed",
			"request_id", reqID,
			"path", r.URL.Path,
			"call_id", callID,
			"outcome", res.Outcome,
			"err", res.Err,
		)
		return
	}
	s.logger.Debug("call step",
		"request_id", reqID,
		"path", r.URL.Path,
		"call_id", callID,
		"outcome", res.Outcome,
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "version": callflow.Version}
	if s.deps.Sessions != nil {
		body["active_sessions"] = s.deps.Sessions.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

type callView struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	StartedAt time.Time `json:"started_at"`
}

type callsResponse struct {
	Active []callView      `json:"active"`
	Recent []ledger.Record `json:"recent"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// handleCalls lists live calls and the most recent recorded outcomes.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	resp := callsResponse{Active: []callView{}, Recent: []ledger.Record{}}
	if s.deps.Calls != nil {
		calls, err := s.deps.Calls.ListCalls(r.Context())
		if err != nil {
			s.logger.Error("list calls", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list calls failed"})
			return
		}
		for _, c := range calls {
			resp.Active = append(resp.Active, callView{
				ID:        c.ID(),
				Direction: fmt.Sprint(c.Direction()),
				Status:    fmt.Sprint(c.Status()),
				From:      c.From(),
				To:        c.To(),
				StartedAt: c.StartTime(),
			})
		}
	}
	if s.deps.Ledger != nil {
		recent, err := s.deps.Ledger.List(r.Context(), limit)
		if err != nil {
			s.logger.Error("list outcomes", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list outcomes failed"})
			return
		}
		resp.Recent = append(resp.Recent, recent...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
