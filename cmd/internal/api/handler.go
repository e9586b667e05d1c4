// Package api is the HTTP JSON surface over the coordinator. Handlers parse
// and validate requests, call exactly one coordinator operation, and map the
// result onto a response.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/coordinator"
	"nostrid/cmd/internal/ledger"
	"nostrid/cmd/internal/names"

	"github.com/go-chi/chi/v5"
)

// Registrar is the coordinator surface the API needs.
type Registrar interface {
	Domains() identity.DomainSet
	CheckAvailable(ctx context.Context, username, domain string) (bool, error)
	Register(ctx context.Context, username, pubkey, domain string) (coordinator.Outcome, error)
	CreatePending(ctx context.Context, username, pubkey, domain, paymentHash string) (coordinator.Outcome, error)
	CancelPending(ctx context.Context, username, domain string) (bool, error)
	RegisterWithPaymentConfirmation(ctx context.Context, username, pubkey, domain, paymentHash string) (coordinator.Outcome, error)
	UpdatePubkey(ctx context.Context, username, pubkey, domain string) error
	Remove(ctx context.Context, username, domain string) error
	ListRecords(ctx context.Context, limit, offset int) ([]ledger.Record, int, error)
	LoadForPublicServing(domain string) ([]byte, error)
}

var paymentHashRe = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// Handler serves the /api routes.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	reg      Registrar
	verifier PaymentVerifier

	public  *windowLimiter
	confirm *windowLimiter
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithPaymentVerifier enables /api/confirm-payment.
func WithPaymentVerifier(v PaymentVerifier) HandlerOption {
	return func(h *Handler) {
		if h == nil || v == nil {
			return
		}
		h.verifier = v
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, reg Registrar, cfg Config, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	h := &Handler{
		log:     log,
		cfg:     cfg,
		reg:     reg,
		public:  newWindowLimiter(cfg.PublicRateMax, cfg.PublicRateWindow),
		confirm: newWindowLimiter(cfg.ConfirmRateMax, cfg.ConfirmRateWindow),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h
}

// Routes mounts the API onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.limit(h.public, "public"))
		r.Get("/api/check-availability/{username}", h.handleCheckAvailability)
		r.Post("/api/check-pubkey", h.handleCheckPubkey)
		r.Post("/api/convert-pubkey", h.handleConvertPubkey)
		r.Get("/api/latest-records", h.handleLatestRecords)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.limit(h.confirm, "confirm"))
		r.Post("/api/confirm-payment", h.handleConfirmPayment)
		r.Post("/api/cancel-registration", h.handleCancel)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/api/register", h.handleRegister)
		r.Post("/api/pending", h.handlePending)
		r.Get("/api/records", h.handleListRecords)
		r.Put("/api/records", h.handleUpdateRecord)
		r.Delete("/api/records/{identifier}", h.handleDeleteRecord)
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminKey == "" {
			writeError(w, http.StatusNotImplemented, "admin_disabled", "admin API is disabled")
			return
		}
		if !secureStringEqual(r.Header.Get("X-Admin-Key"), h.cfg.AdminKey) {
			h.log.Warn("api.admin.denied", "path", r.URL.Path, "ip", clientIP(r, h.cfg.TrustProxy))
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ---- public ----

func (h *Handler) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	domain := h.domainOrPrimary(r.URL.Query().Get("domain"))

	available, err := h.reg.CheckAvailable(r.Context(), username, domain)
	if err != nil {
		h.writeDomainError(w, "check_availability", err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		Username:  strings.TrimSpace(username),
		Domain:    domain,
		Available: available,
	})
}

func (h *Handler) handleConvertPubkey(w http.ResponseWriter, r *http.Request) {
	var req pubkeyRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	hex, err := identity.ParsePubkey(req.Pubkey)
	if err != nil {
		h.writeDomainError(w, "convert_pubkey", err)
		return
	}
	npub, err := identity.EncodeNpub(hex)
	if err != nil {
		h.writeDomainError(w, "convert_pubkey", err)
		return
	}
	writeJSON(w, http.StatusOK, convertPubkeyResponse{Hex: hex, Npub: npub})
}

func (h *Handler) handleCheckPubkey(w http.ResponseWriter, r *http.Request) {
	var req pubkeyRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	hex, err := identity.ParsePubkey(req.Pubkey)
	if err != nil {
		h.writeDomainError(w, "check_pubkey", err)
		return
	}

	resp := checkPubkeyResponse{Hex: hex}
	for _, domain := range h.reg.Domains().Names() {
		raw, err := h.reg.LoadForPublicServing(domain)
		if err != nil {
			h.writeDomainError(w, "check_pubkey", err)
			return
		}
		doc, err := names.Decode(raw)
		if err != nil {
			h.writeDomainError(w, "check_pubkey", err)
			return
		}
		for name, key := range doc.Names {
			if key == hex {
				resp.Names = append(resp.Names, identity.NewIdentifier(name, domain).String())
			}
		}
	}
	resp.Registered = len(resp.Names) > 0
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLatestRecords(w http.ResponseWriter, r *http.Request) {
	recs, _, err := h.reg.ListRecords(r.Context(), h.cfg.LatestRecords, 0)
	if err != nil {
		h.writeDomainError(w, "latest_records", err)
		return
	}
	out := make([]latestRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toLatestRecord(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- payment flow ----

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	cancelled, err := h.reg.CancelPending(r.Context(), req.Username, h.domainOrPrimary(req.Domain))
	if err != nil {
		h.writeDomainError(w, "cancel_registration", err)
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusOK, cancelResponse{Success: false, Message: "no pending registration found"})
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: "registration cancelled"})
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusNotImplemented, "payments_disabled", "lightning payment not configured")
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if !paymentHashRe.MatchString(req.PaymentHash) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payment hash format")
		return
	}
	domain := h.domainOrPrimary(req.Domain)
	if err := identity.ValidateUsername(req.Username); err != nil {
		h.writeDomainError(w, "confirm_payment", err)
		return
	}
	id := identity.NewIdentifier(req.Username, domain)

	paid, err := h.verifier.Paid(r.Context(), req.PaymentHash, id)
	if err != nil {
		h.log.Error("api.confirm.verifier_failed", "nip05", id.String(), "err", err)
		writeJSON(w, http.StatusOK, confirmResponse{Paid: false})
		return
	}
	if !paid {
		writeJSON(w, http.StatusOK, confirmResponse{Paid: false})
		return
	}

	out, err := h.reg.RegisterWithPaymentConfirmation(r.Context(), req.Username, req.Pubkey, domain, req.PaymentHash)
	if err != nil {
		h.writeDomainError(w, "confirm_payment", err)
		return
	}
	switch out {
	case coordinator.OutcomeRegistered, coordinator.OutcomeAlreadyConfirmed:
		writeJSON(w, http.StatusOK, confirmResponse{Paid: true})
	default:
		h.log.Warn("api.confirm.name_taken", "nip05", id.String())
		writeJSON(w, http.StatusOK, confirmResponse{Paid: false, Error: "username already registered"})
	}
}

// ---- admin ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	domain := h.domainOrPrimary(req.Domain)
	out, err := h.reg.Register(r.Context(), req.Username, req.Pubkey, domain)
	if err != nil {
		h.writeDomainError(w, "register", err)
		return
	}
	if out == coordinator.OutcomeTaken {
		writeJSON(w, http.StatusConflict, registerResponse{Success: false, Error: "this NIP-05 identifier is already in use"})
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Success: true,
		NIP05:   identity.NewIdentifier(req.Username, domain).String(),
	})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	var req pendingRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if !paymentHashRe.MatchString(req.PaymentHash) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payment hash format")
		return
	}
	domain := h.domainOrPrimary(req.Domain)
	out, err := h.reg.CreatePending(r.Context(), req.Username, req.Pubkey, domain, req.PaymentHash)
	if err != nil {
		h.writeDomainError(w, "pending", err)
		return
	}
	if out == coordinator.OutcomeTaken {
		writeError(w, http.StatusConflict, "taken", "this NIP-05 identifier is already in use")
		return
	}
	d, _ := h.reg.Domains().Lookup(domain)
	writeJSON(w, http.StatusOK, pendingResponse{
		NIP05:       identity.NewIdentifier(req.Username, domain).String(),
		PaymentHash: req.PaymentHash,
		Amount:      d.Price,
	})
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	recs, total, err := h.reg.ListRecords(r.Context(), limit, offset)
	if err != nil {
		h.writeDomainError(w, "list_records", err)
		return
	}
	resp := recordsResponse{Records: make([]recordResponse, 0, len(recs)), Total: total, Limit: limit, Offset: offset}
	for _, rec := range recs {
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req updateRecordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	id, err := identity.ParseIdentifier(req.NIP05)
	if err != nil {
		h.writeDomainError(w, "update_record", err)
		return
	}
	if err := h.reg.UpdatePubkey(r.Context(), id.Username, req.Pubkey, id.Domain); err != nil {
		h.writeDomainError(w, "update_record", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseIdentifier(chi.URLParam(r, "identifier"))
	if err != nil {
		h.writeDomainError(w, "delete_record", err)
		return
	}
	if err := h.reg.Remove(r.Context(), id.Username, id.Domain); err != nil {
		h.writeDomainError(w, "delete_record", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ---- helpers ----

func (h *Handler) domainOrPrimary(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.reg.Domains().Primary().Name
	}
	return identity.NormalizeDomain(raw)
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
