// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/model"
	"github.com/sells-group/risk-oracle/internal/oracle"
	"github.com/sells-group/risk-oracle/internal/orchestrator"
	"github.com/sells-group/risk-oracle/internal/store"
	"github.com/sells-group/risk-oracle/internal/webhook"
)

// CallerHeader identifies the acting party. Authenticating it is the job
// of whatever sits in front of this service.
const CallerHeader = "X-Caller-ID"

// Service is the orchestrator surface the API needs.
type Service interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (uint64, error)
	Deliver(ctx context.Context, d oracle.Delivery) error
	ManualRequest(ctx context.Context, id uint64, caller string) (*model.RequestRecord, error)
	ManualFinalize(ctx context.Context, id uint64, caller string, strategy model.Strategy, response string) (*model.RequestRecord, error)
	SelfWithdraw(ctx context.Context, id uint64, caller string) (*model.RequestRecord, error)
	GetRequest(ctx context.Context, id uint64) (*model.RequestRecord, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]model.RequestRecord, error)
	ListFailures(ctx context.Context, filter store.FailureFilter) ([]model.FailureRecord, error)
	Escalation(ctx context.Context, id uint64) (escalation.Availability, error)
	GetSystemStatus(ctx context.Context) (model.SystemStatus, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64
	RateBurst int
	// CallbackSecret verifies provider callbacks. Callbacks are refused
	// when it is empty.
	CallbackSecret string
	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	svc  Service
	opts Options
}

// NewRouter builds the chi router for svc.
func NewRouter(svc Service, opts Options) http.Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &Server{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", CallerHeader, webhook.SignatureHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(api chi.Router) {
		if opts.RateLimit > 0 {
			api.Use(NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware)
		}
		api.Post("/requests", s.handleSubmit)
		api.Get("/requests", s.handleListRequests)
		api.Route("/requests/{id}", func(req chi.Router) {
			req.Get("/", s.handleGetRequest)
			req.Get("/escalation", s.handleEscalation)
			req.Post("/manual-request", s.handleManualRequest)
			req.Post("/finalize", s.handleFinalize)
			req.Post("/withdraw", s.handleWithdraw)
		})
		api.Get("/status", s.handleStatus)
		api.Get("/failures", s.handleListFailures)
		api.Post("/callbacks/oracle", s.handleCallback)
	})

	return r
}

func caller(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(CallerHeader))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitBody struct {
	Beneficiary      string `json:"beneficiary"`
	BasketDescriptor string `json:"basket_descriptor"`
	// CollateralValue is a base-10 integer string in the smallest unit.
	CollateralValue string `json:"collateral_value"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	submitter := caller(r)
	if submitter == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_CALLER", CallerHeader+" header is required")
		return
	}
	var body submitBody
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_BODY", err.Error())
		return
	}
	value := new(big.Int)
	if body.CollateralValue != "" {
		if _, ok := value.SetString(strings.TrimSpace(body.CollateralValue), 10); !ok {
			writeError(w, r, http.StatusBadRequest, "BAD_VALUE", "collateral_value must be a base-10 integer")
			return
		}
	}

	id, err := s.svc.Submit(r.Context(), orchestrator.SubmitRequest{
		Submitter:        submitter,
		Beneficiary:      body.Beneficiary,
		BasketDescriptor: body.BasketDescriptor,
		CollateralValue:  value,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/requests/"+strconv.FormatUint(id, 10))
	writeJSON(w, http.StatusAccepted, map[string]uint64{"id": id})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RequestFilter{
		Status:      model.RequestStatus(q.Get("status")),
		Beneficiary: q.Get("beneficiary"),
		Submitter:   q.Get("submitter"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, r, http.StatusBadRequest, "BAD_QUERY", "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	recs, err := s.svc.ListRequests(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": recs})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.GetRequest(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	av, err := s.svc.Escalation(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *Server) handleManualRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.ManualRequest(r.Context(), id, caller(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type finalizeBody struct {
	Strategy model.Strategy `json:"strategy"`
	Response string         `json:"response,omitempty"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body finalizeBody
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_BODY", err.Error())
		return
	}
	rec, err := s.svc.ManualFinalize(r.Context(), id, caller(r), body.Strategy, body.Response)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.SelfWithdraw(r.Context(), id, caller(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetSystemStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.FailureFilter{Source: model.FailureSource(q.Get("source"))}
	if v := q.Get("request_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_QUERY", "request_id must be a positive integer")
			return
		}
		filter.RequestID = id
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}

	fs, err := s.svc.ListFailures(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if fs == nil {
		fs = []model.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": fs})
}

// handleCallback accepts a provider result signed with the shared secret.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_BODY", err.Error())
		return
	}
	if !webhook.Verify(s.opts.CallbackSecret, raw, r.Header.Get(webhook.SignatureHeader)) {
		writeError(w, r, http.StatusUnauthorized, "BAD_SIGNATURE", "signature verification failed")
		return
	}

	var d oracle.Delivery
	if err := decodeStrict(raw, &d); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_BODY", err.Error())
		return
	}
	if err := s.svc.Deliver(r.Context(), d); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_ID", "request id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_QUERY", key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
