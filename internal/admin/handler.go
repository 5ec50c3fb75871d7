// Package admin serves the fee authoring pages: a rule list, a new-rule form,
// and the condition-field round trip the form uses to swap in the operator
// dropdown and value widget for a chosen condition kind. Everything except
// the login page and static assets requires a signed-in session.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/service"
)

const maxFormBytes = 1 << 20

// Messages returned by the condition-field round trip.
const (
	msgInvalidNonce = "Invalid nonce"
	msgNoField      = "No field data found"
	msgNoCondition  = "No condition found for render field"
	msgNoHTML       = "No html field found for render field"
)

// FeeService is the part of the fee service the authoring pages use.
type FeeService interface {
	CreateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error)
	ListFeeRules(ctx context.Context) ([]core.FeeRule, error)
	DeleteFeeRule(ctx context.Context, id string) error
	LoadSettings(ctx context.Context, id string) (service.Settings, error)
	LoadConditions(ctx context.Context, id string) ([]core.Condition, error)
}

var _ FeeService = (*service.Service)(nil)

type adminContextKey string

const userContextKey adminContextKey = "admin_user"

type Handler struct {
	svc      FeeService
	nonces   *Nonces
	sessions *SessionManager
	widgets  Widgets
	log      *slog.Logger
	mux      *http.ServeMux
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithWidgets replaces the role, gateway, and country choices offered by
// the value widgets.
func WithWidgets(w Widgets) Option {
	return func(h *Handler) {
		h.widgets = w
	}
}

func NewHandler(svc FeeService, nonces *Nonces, sessions *SessionManager, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		nonces:   nonces,
		sessions: sessions,
		widgets:  DefaultWidgets(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/login", h.handleLoginPage)
	mux.HandleFunc("POST /admin/login", h.handleLogin)
	mux.HandleFunc("POST /admin/logout", h.requireSession(h.handleLogout, unauthorized))
	mux.HandleFunc("GET /admin/{$}", h.requireSession(h.handleIndex, redirectToLogin))
	mux.HandleFunc("GET /admin/fees/new", h.requireSession(h.handleNewFee, redirectToLogin))
	mux.HandleFunc("POST /admin/fees", h.requireSession(h.handleCreateFee, unauthorized))
	mux.HandleFunc("POST /admin/fees/{id}/delete", h.requireSession(h.handleDeleteFee, unauthorized))
	mux.HandleFunc("GET /admin/nonce", h.requireSession(h.handleNonce, unauthorized))
	mux.HandleFunc("GET /admin/condition-fields", h.requireSession(h.handleConditionFields, unauthorized))
	mux.Handle("GET /admin/static/", http.StripPrefix("/admin/static/", http.FileServerFS(staticFS())))
	mux.Handle("GET /{$}", http.RedirectHandler("/admin/", http.StatusFound))
	return mux
}

// requireSession runs next only for requests carrying a live session
// cookie; everything else goes to denied.
func (h *Handler) requireSession(next, denied http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			denied(w, r)
			return
		}
		user, err := h.sessions.ValidateSession(cookie.Value)
		if err != nil {
			h.sessions.ClearSessionCookie(w)
			denied(w, r)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/admin/login", http.StatusFound)
}

func unauthorized(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey).(string)
	return user
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if _, err := h.sessions.ValidateSession(cookie.Value); err == nil {
			http.Redirect(w, r, "/admin/", http.StatusFound)
			return
		}
	}
	h.render(w, http.StatusOK, "login.html", page{Title: "Sign in", Nonce: h.nonces.Issue()})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	if err := h.nonces.Verify(r.PostForm.Get("nonce")); err != nil {
		http.Error(w, msgInvalidNonce, http.StatusForbidden)
		return
	}

	ip := clientIP(r)
	if !h.sessions.CheckLoginRateLimit(ip) {
		h.log.Warn("admin login rate limited", "ip", ip)
		h.render(w, http.StatusTooManyRequests, "login.html",
			page{Title: "Sign in", Nonce: h.nonces.Issue(), Error: "Too many attempts. Please try again later."})
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	if !h.sessions.Authenticate(username, r.PostForm.Get("password")) {
		h.sessions.RecordLoginAttempt(ip)
		h.log.Warn("admin login failed", "ip", ip, "username", username)
		h.render(w, http.StatusUnauthorized, "login.html",
			page{Title: "Sign in", Nonce: h.nonces.Issue(), Error: "Invalid credentials"})
		return
	}

	token, err := h.sessions.GenerateSession(username)
	if err != nil {
		h.log.Error("failed to create admin session", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	h.sessions.SetSessionCookie(w, token)
	h.log.Info("admin login", "username", username, "ip", ip)
	http.Redirect(w, r, "/admin/", http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	if err := h.nonces.Verify(r.PostForm.Get("nonce")); err != nil {
		http.Error(w, msgInvalidNonce, http.StatusForbidden)
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		h.sessions.InvalidateSession(cookie.Value)
	}
	h.sessions.ClearSessionCookie(w)
	http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
}

type page struct {
	User   string
	Title  string
	Error  string
	Nonce  string
	Rules  []core.FeeRule
	Groups []catalog.Group
	Form   feeForm
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.ListFeeRules(r.Context())
	if err != nil {
		h.log.Error("failed to list fee rules", "error", err)
		http.Error(w, "Failed to list fee rules", http.StatusInternalServerError)
		return
	}
	h.render(w, http.StatusOK, "index.html", page{User: userFrom(r.Context()), Title: "Fees", Nonce: h.nonces.Issue(), Rules: rules})
}

// handleNewFee renders an empty fee form, or with ?copy=<id> one whose
// settings are taken from a stored rule.
func (h *Handler) handleNewFee(w http.ResponseWriter, r *http.Request) {
	form := feeForm{Type: string(core.FeeTypeFixed), MatchType: string(core.MatchAny)}
	if id := strings.TrimSpace(r.URL.Query().Get("copy")); id != "" {
		settings, err := h.svc.LoadSettings(r.Context(), id)
		switch {
		case errors.Is(err, service.ErrFeeRuleNotFound):
			http.NotFound(w, r)
			return
		case err != nil:
			h.log.Error("failed to load fee settings", "id", id, "error", err)
			http.Error(w, "Failed to load fee settings", http.StatusInternalServerError)
			return
		}
		form = settingsForm(settings, form.MatchType)
	}
	h.render(w, http.StatusOK, "fee_form.html", h.formPage(r.Context(), form, ""))
}

func (h *Handler) handleCreateFee(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	if err := h.nonces.Verify(r.PostForm.Get("nonce")); err != nil {
		http.Error(w, msgInvalidNonce, http.StatusForbidden)
		return
	}

	form := readFeeForm(r.PostForm)
	rule, err := DecodeFeeForm(r.PostForm)
	if err == nil {
		rule, err = h.svc.CreateFeeRule(r.Context(), rule)
	}
	if err != nil {
		if !isValidationError(err) {
			h.log.Error("failed to create fee rule", "error", err)
			h.render(w, http.StatusInternalServerError, "fee_form.html", h.formPage(r.Context(), form, "Failed to save fee"))
			return
		}
		h.render(w, http.StatusBadRequest, "fee_form.html", h.formPage(r.Context(), form, err.Error()))
		return
	}

	h.log.Info("fee rule created", "id", rule.ID, "conditions", len(rule.Conditions), "user", userFrom(r.Context()))
	http.Redirect(w, r, "/admin/", http.StatusSeeOther)
}

func (h *Handler) handleDeleteFee(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	if err := h.nonces.Verify(r.PostForm.Get("nonce")); err != nil {
		http.Error(w, msgInvalidNonce, http.StatusForbidden)
		return
	}

	id := r.PathValue("id")
	if err := h.svc.DeleteFeeRule(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrFeeRuleNotFound) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("failed to delete fee rule", "id", id, "error", err)
		http.Error(w, "Failed to delete fee rule", http.StatusInternalServerError)
		return
	}

	h.log.Info("fee rule deleted", "id", id, "user", userFrom(r.Context()))
	http.Redirect(w, r, "/admin/", http.StatusSeeOther)
}

func (h *Handler) handleNonce(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"nonce": h.nonces.Issue()})
}

type fieldsResponse struct {
	Condition template.HTML `json:"condition"`
	HTML      template.HTML `json:"html"`
}

// handleConditionFields renders the operator dropdown and value widget for
// one condition row. Query parameters: field (kind id), section (group),
// key (row index), and the optional prior state condition (operator) and
// value (repeatable). When rule names a stored rule and no prior state is
// given, the stored row at key pre-fills the widgets.
func (h *Handler) handleConditionFields(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.nonces.Verify(q.Get("nonce")); err != nil {
		writeFailure(w, msgInvalidNonce)
		return
	}

	field := strings.TrimSpace(q.Get("field"))
	if field == "" {
		writeFailure(w, msgNoField)
		return
	}

	kind, err := catalog.DescribeInSection(catalog.KindID(field), strings.TrimSpace(q.Get("section")))
	if err != nil || len(kind.Operators) == 0 {
		writeFailure(w, msgNoCondition)
		return
	}

	key := rowKey(q.Get("key"))
	operator := catalog.NormalizeOperator(q.Get("condition"))
	values := q["value"]
	if ruleID := q.Get("rule"); ruleID != "" && operator == "" && len(values) == 0 {
		operator, values = h.storedRow(r.Context(), ruleID, key, kind.ID)
	}

	html, err := h.widgets.ValueWidget(kind, strconv.Itoa(key), values)
	if err != nil {
		h.log.Error("render value widget", "kind", kind.ID, "error", err)
	}
	if html == "" {
		writeFailure(w, msgNoHTML)
		return
	}

	dropdown, err := h.widgets.ConditionDropdown(kind, strconv.Itoa(key), operator)
	if err != nil {
		h.log.Error("render condition dropdown", "kind", kind.ID, "error", err)
		writeFailure(w, msgNoCondition)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    fieldsResponse{Condition: dropdown, HTML: html},
	})
}

// storedRow returns the operator and values of the stored rule's row at key
// when that row has the requested kind.
func (h *Handler) storedRow(ctx context.Context, ruleID string, key int, kind catalog.KindID) (catalog.OperatorID, []string) {
	conditions, err := h.svc.LoadConditions(ctx, ruleID)
	if err != nil {
		h.log.Warn("load stored conditions", "id", ruleID, "error", err)
		return "", nil
	}
	if key >= len(conditions) || conditions[key].Kind != kind {
		return "", nil
	}
	return conditions[key].Operator, conditions[key].Values
}

func (h *Handler) formPage(ctx context.Context, form feeForm, msg string) page {
	return page{
		User:   userFrom(ctx),
		Title:  "Add fee",
		Error:  msg,
		Nonce:  h.nonces.Issue(),
		Groups: catalog.List(),
		Form:   form,
	}
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

func rowKey(raw string) int {
	i, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || i < 0 {
		return 0
	}
	return i
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrInvalidSettings) ||
		errors.Is(err, service.ErrMalformedRule) ||
		errors.Is(err, catalog.ErrUnknownConditionKind)
}

func writeFailure(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "data": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
