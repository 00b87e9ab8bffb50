package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclaw/core/pkg/approval"
	"github.com/openclaw/core/pkg/collector"
	"github.com/openclaw/core/pkg/dispatch"
	"github.com/openclaw/core/pkg/keystore"
	"github.com/openclaw/core/pkg/oauth"
	"github.com/openclaw/core/pkg/observability"
	"github.com/openclaw/core/pkg/registry"
	"github.com/openclaw/core/pkg/store"
	"github.com/openclaw/core/pkg/vault"
)

// maxActionBody caps action request bodies.
const maxActionBody = 1 << 20

// Server is the central-process HTTP surface.
type Server struct {
	registry   *registry.Registry
	keys       *keystore.Store
	vault      *vault.Vault
	store      store.Store
	collector  *collector.Service
	approvals  *approval.Service
	dispatcher *dispatch.Service
	oauth      *oauth.Service

	logger         *slog.Logger
	approverSecret string
	rateLimiter    *GlobalRateLimiter
	idempotency    IdempotencyStorer
	telemetry      *observability.Provider
}

// Deps bundles the services the server fronts.
type Deps struct {
	Registry   *registry.Registry
	Keys       *keystore.Store
	Vault      *vault.Vault
	Store      store.Store
	Collector  *collector.Service
	Approvals  *approval.Service
	Dispatcher *dispatch.Service
	OAuth      *oauth.Service
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithApproverSecret enables JWT approver authentication.
func WithApproverSecret(secret string) Option {
	return func(s *Server) { s.approverSecret = secret }
}

// WithRateLimiter sets the per-IP limiter.
func WithRateLimiter(rl *GlobalRateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithIdempotencyStore enables idempotent replay of action requests.
func WithIdempotencyStore(st IdempotencyStorer) Option {
	return func(s *Server) { s.idempotency = st }
}

// WithTelemetry enables request tracing and RED metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Server) { s.telemetry = p }
}

// NewServer creates the API server.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		registry:   deps.Registry,
		keys:       deps.Keys,
		vault:      deps.Vault,
		store:      deps.Store,
		collector:  deps.Collector,
		approvals:  deps.Approvals,
		dispatcher: deps.Dispatcher,
		oauth:      deps.OAuth,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/actions", s.handleAction)

	var h http.Handler = mux
	h = ApproverAuth(s.approverSecret)(h)
	if s.idempotency != nil {
		h = IdempotencyMiddleware(s.idempotency)(h)
	}
	if s.rateLimiter != nil {
		h = s.rateLimiter.Middleware(h)
	}
	if s.telemetry != nil {
		h = Telemetry(s.telemetry)(h)
	}
	h = Logging(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// envelope is the uniform action response shape.
type envelope struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Result: result})
}

// writeFailure reports a domain failure. The HTTP status stays 200: callers
// dispatch on the success flag, and messages never carry secrets.
func writeFailure(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()})
}
