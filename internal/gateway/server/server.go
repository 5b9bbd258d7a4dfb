// Package server implements the gateway HTTP API: credential minting, the
// voice-routing webhook, and server-side call control.
package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/sebas/handset/api/types/v1"
	"github.com/sebas/handset/internal/gateway/store"
	"github.com/sebas/handset/internal/gateway/token"
)

// Options holds the server's collaborators and routing policy.
type Options struct {
	Addr string

	Minter *token.Minter
	Calls  store.CallStore

	// CallerNumber is the caller ID used for outbound PSTN legs.
	CallerNumber string

	// DefaultIdentity is the client identity incoming calls route to.
	DefaultIdentity string

	// AllowedOrigin is the CORS origin allowed for browser clients.
	AllowedOrigin string
}

// Server is the gateway HTTP server.
type Server struct {
	opts       Options
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the gateway server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:      opts,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/token", s.handleToken)
	mux.HandleFunc("/api/v1/voice", s.handleVoice)
	mux.HandleFunc("/api/v1/call", s.handleCall)
	mux.HandleFunc("/api/v1/call/", s.handleCallBySID)
	mux.HandleFunc("/api/v1/calls", s.handleCalls)

	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: s.cors(mux),
	}

	return s
}

// Handler returns the server's HTTP handler. For tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("gateway API listening", "addr", s.opts.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// cors allows the configured browser origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AllowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

// handleToken mints a signaling credential for the requesting identity.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	// An empty body is fine: the default identity is used.
	var req types.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "malformed request body", "")
		return
	}
	if req.Identity == "" {
		req.Identity = s.opts.DefaultIdentity
	}

	tok, err := s.opts.Minter.Mint(req.Identity)
	if err != nil {
		slog.Error("minting token failed", "identity", req.Identity, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to mint token", "")
		return
	}

	slog.Debug("token minted", "identity", req.Identity)
	s.writeJSON(w, http.StatusOK, types.TokenResponse{Token: tok})
}

// voiceResponse is the call-routing document returned to the signaling
// service for both inbound and client-originated calls.
type voiceResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Dial    *voiceDial `xml:"Dial,omitempty"`
}

type voiceDial struct {
	CallerID string `xml:"callerId,attr,omitempty"`
	Number   string `xml:"Number,omitempty"`
	Client   string `xml:"Client,omitempty"`
}

// handleVoice returns the routing document. A To value means a client is
// placing a call (to another client or to a number); no To means an
// inbound PSTN call, routed to the default client identity.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed form body", "")
		return
	}

	to := r.PostFormValue("To")
	from := r.PostFormValue("From")

	doc := voiceResponse{Dial: &voiceDial{}}
	switch {
	case to == "":
		// Inbound call: route to the registered client.
		doc.Dial.Client = s.opts.DefaultIdentity
	case strings.HasPrefix(to, "client:"):
		doc.Dial.Client = strings.TrimPrefix(to, "client:")
	default:
		doc.Dial.CallerID = s.opts.CallerNumber
		doc.Dial.Number = to
	}

	slog.Debug("voice webhook", "to", to, "from", from)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		slog.Warn("encoding voice response failed", "error", err)
	}
}

// handleCall originates a server-side outbound call and records it.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var req types.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", "")
		return
	}
	if req.To == "" {
		s.writeError(w, http.StatusBadRequest, "phone number is required", "")
		return
	}

	call := store.Call{
		SID:         "CA" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		To:          req.To,
		From:        s.opts.CallerNumber,
		Status:      "queued",
		Direction:   "outbound",
		DateCreated: time.Now().UTC(),
	}
	if err := s.opts.Calls.Create(r.Context(), call); err != nil {
		slog.Error("recording call failed", "to", req.To, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to place call", err.Error())
		return
	}

	slog.Info("call placed", "sid", call.SID, "to", call.To)
	s.writeJSON(w, http.StatusOK, types.CallResponse{Success: true, CallSID: call.SID})
}

// handleCallBySID returns the status of one call.
func (s *Server) handleCallBySID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	sid := strings.TrimPrefix(r.URL.Path, "/api/v1/call/")
	if sid == "" || strings.Contains(sid, "/") {
		s.writeError(w, http.StatusBadRequest, "call sid is required", "")
		return
	}

	call, err := s.opts.Calls.Get(r.Context(), sid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "call not found", "")
			return
		}
		slog.Error("fetching call failed", "sid", sid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch call status", "")
		return
	}

	s.writeJSON(w, http.StatusOK, types.CallStatus{
		Status:    call.Status,
		Direction: call.Direction,
		Duration:  call.Duration,
		From:      call.From,
		To:        call.To,
	})
}

// handleCalls lists recent calls, newest first.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	calls, err := s.opts.Calls.List(r.Context(), 20)
	if err != nil {
		slog.Error("listing calls failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch calls", "")
		return
	}

	out := make([]types.CallRecord, 0, len(calls))
	for _, call := range calls {
		out = append(out, types.CallRecord{
			SID:         call.SID,
			To:          call.To,
			From:        call.From,
			Status:      call.Status,
			Direction:   call.Direction,
			Duration:    call.Duration,
			DateCreated: call.DateCreated.Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, details string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: msg, Details: details})
}
