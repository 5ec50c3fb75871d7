package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/middleware"
	"github.com/matt-riley/cartfee/internal/service"
)

// DefaultMaxJSONBodySize bounds request bodies when no limit is configured.
const DefaultMaxJSONBodySize int64 = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the fee rule API.
type HTTPServer struct {
	service         Service
	maxJSONBodySize int64
	auth            func(http.Handler) http.Handler
	metricsHandler  http.Handler
	log             *slog.Logger
}

// HTTPOption configures an [HTTPServer].
type HTTPOption func(*HTTPServer)

// WithAuth guards every /v1 route with the given middleware.
func WithAuth(mw func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.auth = mw }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithMaxJSONBodySize sets the request body limit in bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithHTTPLogger sets the logger used for unexpected service errors.
func WithHTTPLogger(log *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if log != nil {
			s.log = log
		}
	}
}

type quoteResponse struct {
	Lines     []core.FeeLine  `json:"lines"`
	Total     string          `json:"total"`
	Decisions []core.Decision `json:"decisions,omitempty"`
}

// NewHTTPHandler returns the routed API handler. The returned mux is not
// wrapped so callers can layer metrics and logging middleware around it.
func NewHTTPHandler(svc Service, opts ...HTTPOption) *http.ServeMux {
	if svc == nil {
		panic("service is nil")
	}

	s := &HTTPServer{
		service:         svc,
		maxJSONBodySize: DefaultMaxJSONBodySize,
		auth:            func(next http.Handler) http.Handler { return next },
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.handle(mux, "POST /v1/fees", s.handleCreateFeeRule)
	s.handle(mux, "GET /v1/fees", s.handleListFeeRules)
	s.handle(mux, "GET /v1/fees/{id}", s.handleGetFeeRule)
	s.handle(mux, "PUT /v1/fees/{id}", s.handleUpdateFeeRule)
	s.handle(mux, "DELETE /v1/fees/{id}", s.handleDeleteFeeRule)
	s.handle(mux, "POST /v1/cart/fees", s.handleCalculate)
	s.handle(mux, "GET /v1/conditions", s.handleListConditions)
	s.handle(mux, "GET /v1/conditions/{kind}", s.handleDescribeCondition)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.auth(h))
}

func (s *HTTPServer) handleCreateFeeRule(w http.ResponseWriter, r *http.Request) {
	var rule core.FeeRule
	if err := decodeJSONBody(w, r, s.maxJSONBodySize, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFeeRule(r.Context(), rule)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/fees/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListFeeRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListFeeRules(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if rules == nil {
		rules = []core.FeeRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleGetFeeRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	rule, err := s.service.GetFeeRule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateFeeRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var rule core.FeeRule
	if err := decodeJSONBody(w, r, s.maxJSONBodySize, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(rule.ID) != "" && rule.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	rule.ID = id

	updated, err := s.service.UpdateFeeRule(r.Context(), rule)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFeeRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.service.DeleteFeeRule(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCalculate returns the fee lines for a cart. ?explain=true includes
// the per-rule decisions.
func (s *HTTPServer) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var reqCtx core.RequestContext
	if err := decodeJSONBody(w, r, s.maxJSONBodySize, &reqCtx); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	explain, _ := strconv.ParseBool(r.URL.Query().Get("explain"))

	quote, err := s.service.Calculate(r.Context(), reqCtx)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := quoteResponse{Lines: quote.Lines, Total: quote.Total.StringFixed(2)}
	if explain {
		resp.Decisions = quote.Decisions
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListConditions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalog.List())
}

func (s *HTTPServer) handleDescribeCondition(w http.ResponseWriter, r *http.Request) {
	kind, err := catalog.Describe(catalog.KindID(r.PathValue("kind")))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown condition kind")
		return
	}
	writeJSON(w, http.StatusOK, kind)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "fee service error", "error", err)
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrMalformedRule), errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrIDRequired), errors.Is(err, catalog.ErrUnknownConditionKind):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrFeeRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrFeeRuleExists):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// serviceErrorMessage exposes validation detail and hides everything else.
func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrMalformedRule), errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrIDRequired), errors.Is(err, catalog.ErrUnknownConditionKind):
		return err.Error()
	case errors.Is(err, service.ErrFeeRuleNotFound):
		return "fee rule not found"
	case errors.Is(err, service.ErrFeeRuleExists):
		return "fee rule already exists"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}
	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
