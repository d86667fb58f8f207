package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"liquidswap/escrow"
	"liquidswap/lifecycle"
	"liquidswap/middleware"
	"liquidswap/observability"
	"liquidswap/orders"
	"liquidswap/prover"
	"liquidswap/signing"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Server exposes the lifecycle engine over REST.
type Server struct {
	db        *gorm.DB
	orders    *orders.Manager
	escrows   *escrow.Manager
	pipeline  *signing.Pipeline
	prover    prover.Prover
	proverURL string
	mockMode  bool
	log       *slog.Logger
	metrics   *observability.EngineMetrics
}

// New constructs the server.
func New(db *gorm.DB, om *orders.Manager, em *escrow.Manager, pipeline *signing.Pipeline, pv prover.Prover, proverURL string, mockMode bool, log *slog.Logger, metrics *observability.EngineMetrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		db:        db,
		orders:    om,
		escrows:   em,
		pipeline:  pipeline,
		prover:    pv,
		proverURL: proverURL,
		mockMode:  mockMode,
		log:       log,
		metrics:   metrics,
	}
}

// Router assembles the chi routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Use(func(next http.Handler) http.Handler {
		return middleware.WithIdempotency(s.db, next)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Post("/", s.handleCreateOrder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetOrder)
			r.Post("/fill", s.handleFillOrder)
			r.Post("/partial-fill", s.handleFillOrder)
			r.Delete("/cancel", s.handleCancelOrder)
			r.Post("/broadcast", s.handleBroadcast)
		})
	})

	r.Route("/escrows", func(r chi.Router) {
		r.Get("/", s.handleListEscrows)
		r.Post("/", s.handleCreateEscrow)
		r.Get("/by-depositor/{pubkey}", s.handleEscrowsByDepositor)
		r.Get("/by-recipient/{pubkey}", s.handleEscrowsByRecipient)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetEscrow)
			r.Post("/broadcast", s.handleEscrowBroadcast)
			r.Post("/release", s.handleReleaseEscrow)
			r.Post("/refund", s.handleRefundEscrow)
			r.Post("/dispute", s.handleDisputeEscrow)
			r.Post("/resolve", s.handleResolveEscrow)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/prover", s.handleProverHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// observe records request metrics keyed by the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.ObserveRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.log.Error("encode response", "error", err)
		}
	}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Entity  any    `json:"entity,omitempty"`
}

// fail maps the error taxonomy onto HTTP semantics and always includes the
// current authoritative entity snapshot when the manager attached one.
func (s *Server) fail(w http.ResponseWriter, err error) {
	kind := lifecycle.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case lifecycle.KindValidation, lifecycle.KindSignature:
		status = http.StatusBadRequest
	case lifecycle.KindStateConflict:
		status = http.StatusConflict
	case lifecycle.KindAuthorization:
		status = http.StatusForbidden
	case lifecycle.KindNotFound:
		status = http.StatusNotFound
	case lifecycle.KindExternalService:
		status = http.StatusBadGateway
	}

	body := errorBody{
		Kind:    kind.String(),
		Code:    string(lifecycle.CodeOf(err)),
		Message: err.Error(),
	}
	var le *lifecycle.Error
	if errors.As(err, &le) && le.Entity != nil {
		body.Entity = le.Entity
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "kind", body.Kind, "code", body.Code, "error", err)
	}
	s.respond(w, status, map[string]errorBody{"error": body})
}

func decodeBody(r *http.Request, v any, code lifecycle.Code) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return lifecycle.Wrap(lifecycle.KindValidation, code, err, "malformed request body")
	}
	return nil
}
