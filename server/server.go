// Package server exposes the call flow as Twilio webhooks.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/callsystem"
	"github.com/agentplexus/omnivoice-callflow/config"
	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/ledger"
	"github.com/agentplexus/omnivoice-callflow/monitor"
	"github.com/agentplexus/omnivoice-callflow/session"
	"github.com/agentplexus/omnivoice-callflow/twiml"
)

// Deps are the components the server routes to. Flow and Renderer are
// required; the rest switch optional endpoints on.
type Deps struct {
	Flow     *flow.Controller
	Renderer *twiml.Renderer
	Sessions *session.Store
	Calls    *callsystem.Provider
	Ledger   ledger.Store
	Monitor  *monitor.Hub
}

// Server routes webhooks to the flow controller.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

// New creates a server.
func New(cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.Flow == nil {
		return nil, errors.New("server: flow controller is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("server: twiml renderer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc(callflow.PathHealthCheck, s.handleHealth)

	s.mux.Handle(callflow.PathStartCall, s.webhook(s.handleStart))
	s.mux.Handle(callflow.PathRespond, s.webhook(s.handleRespond))
	s.mux.Handle(callflow.PathTranscribe, s.webhook(s.handleTranscribe))
	s.mux.Handle(callflow.PathEndCall, s.webhook(s.handleEnd))
	s.mux.Handle(callflow.PathSendSMS, s.webhook(s.handleNotify))
	s.mux.Handle(callflow.PathCallStatus, s.webhook(s.handleStatus))

	token := s.cfg.Server.AdminToken
	if token == "" {
		return
	}
	s.mux.Handle(callflow.PathCalls, AdminAuth(token, http.HandlerFunc(s.handleCalls)))
	if s.cfg.Server.Monitor && s.deps.Monitor != nil {
		s.mux.Handle(callflow.PathMonitor, AdminAuth(token, s.deps.Monitor))
	}
}

// webhook guards a Twilio webhook with signature validation when enabled.
func (s *Server) webhook(h http.HandlerFunc) http.Handler {
	var next http.Handler = allowMethods(h)
	if s.cfg.SignaturesEnabled() {
		next = TwilioSignature(s.cfg.Twilio.AuthToken, s.cfg.Server.PublicURL, s.logger, next)
	}
	return next
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

func allowMethods(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
