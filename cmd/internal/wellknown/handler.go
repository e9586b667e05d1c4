// Package wellknown serves /.well-known/nostr.json.
//
// Reads never take the coordinator lock. Documents are cached per domain and
// dropped from the cache when the coordinator commits a change or when the
// file changes on disk.
package wellknown

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/names"

	"github.com/patrickmn/go-cache"
)

// Path is where NIP-05 clients look for the document.
const Path = "/.well-known/nostr.json"

// Source returns the publishable bytes of a domain's document.
type Source interface {
	LoadForPublicServing(domain string) ([]byte, error)
}

// Handler serves per-domain NIP-05 documents.
type Handler struct {
	src     Source
	domains identity.DomainSet
	cache   *cache.Cache
	log     *slog.Logger
}

type entry struct {
	raw []byte
	doc names.Document
}

// NewHandler constructs a Handler. ttl <= 0 disables expiry; entries are then
// only dropped by Invalidate.
func NewHandler(src Source, domains identity.DomainSet, ttl time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	exp, cleanup := ttl, 2*ttl
	if ttl <= 0 {
		exp, cleanup = cache.NoExpiration, 0
	}
	return &Handler{
		src:     src,
		domains: domains,
		cache:   cache.New(exp, cleanup),
		log:     log,
	}
}

// Invalidate drops the cached document for domain.
func (h *Handler) Invalidate(domain string) {
	h.cache.Delete(identity.NormalizeDomain(domain))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	domain, ok := h.resolveDomain(r)
	if !ok {
		http.Error(w, "unknown domain", http.StatusNotFound)
		return
	}

	e, err := h.load(domain)
	if err != nil {
		h.log.Error("wellknown.load.failed", "domain", domain, "err", err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	body := e.raw
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		body, err = e.doc.Filter(name).Encode()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// resolveDomain picks the domain from ?domain=, then from the Host header,
// then falls back to the primary domain for single-host deployments.
func (h *Handler) resolveDomain(r *http.Request) (string, bool) {
	if q := strings.TrimSpace(r.URL.Query().Get("domain")); q != "" {
		d, ok := h.domains.Lookup(q)
		return d.Name, ok
	}
	if d, ok := h.domains.Lookup(r.Host); ok {
		return d.Name, true
	}
	return h.domains.Primary().Name, true
}

func (h *Handler) load(domain string) (entry, error) {
	if v, ok := h.cache.Get(domain); ok {
		return v.(entry), nil
	}
	raw, err := h.src.LoadForPublicServing(domain)
	if err != nil {
		return entry{}, err
	}
	doc, err := names.Decode(raw)
	if err != nil {
		return entry{}, err
	}
	e := entry{raw: raw, doc: doc}
	h.cache.SetDefault(domain, e)
	return e, nil
}
