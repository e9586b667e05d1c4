package wellknown

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"nostrid/cmd/identity"

	"github.com/stretchr/testify/require"
)

var (
	keyA = strings.Repeat("aa", 32)
	keyB = strings.Repeat("bb", 32)
)

type fakeSource struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
	err   error
}

func (f *fakeSource) LoadForPublicServing(domain string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[domain]++
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.docs[domain]
	if !ok {
		body = `{"names":{}}`
	}
	return []byte(body), nil
}

func (f *fakeSource) set(domain, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[domain] = body
}

func (f *fakeSource) callCount(domain string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[domain]
}

func testDomains(t *testing.T) identity.DomainSet {
	t.Helper()
	ds, err := identity.NewDomainSet(
		identity.Domain{Name: "example.com", Price: 100},
		identity.Domain{Name: "example.org", Price: 500},
	)
	require.NoError(t, err)
	return ds
}

func newTestHandler(t *testing.T, src *fakeSource) *Handler {
	t.Helper()
	return NewHandler(src, testDomains(t), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, h http.Handler, host, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = host
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_ServesDocumentByHost(t *testing.T) {
	t.Parallel()

	src := &fakeSource{docs: map[string]string{
		"example.com": `{"names":{"alice":"` + keyA + `"}}`,
		"example.org": `{"names":{"bob":"` + keyB + `"}}`,
	}}
	h := newTestHandler(t, src)

	rr := get(t, h, "example.org", Path)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	require.JSONEq(t, `{"names":{"bob":"`+keyB+`"}}`, rr.Body.String())

	rr = get(t, h, "Example.COM:443", Path)
	require.JSONEq(t, `{"names":{"alice":"`+keyA+`"}}`, rr.Body.String())
}

func TestHandler_DomainResolution(t *testing.T) {
	t.Parallel()

	src := &fakeSource{docs: map[string]string{
		"example.com": `{"names":{"alice":"` + keyA + `"}}`,
		"example.org": `{"names":{"bob":"` + keyB + `"}}`,
	}}
	h := newTestHandler(t, src)

	rr := get(t, h, "localhost:8080", Path)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "alice", "unknown hosts fall back to the primary domain")

	rr = get(t, h, "localhost", Path+"?domain=example.org")
	require.Contains(t, rr.Body.String(), "bob")

	rr = get(t, h, "example.com", Path+"?domain=evil.test")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_NameFilter(t *testing.T) {
	t.Parallel()

	src := &fakeSource{docs: map[string]string{
		"example.com": `{"names":{"Alice":"` + keyA + `","bob":"` + keyB + `"}}`,
	}}
	h := newTestHandler(t, src)

	rr := get(t, h, "example.com", Path+"?name=alice")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"names":{"Alice":"`+keyA+`"}}`, rr.Body.String())

	rr = get(t, h, "example.com", Path+"?name=nobody")
	require.JSONEq(t, `{"names":{}}`, rr.Body.String())
}

func TestHandler_CachesUntilInvalidated(t *testing.T) {
	t.Parallel()

	src := &fakeSource{docs: map[string]string{"example.com": `{"names":{}}`}}
	h := newTestHandler(t, src)

	get(t, h, "example.com", Path)
	src.set("example.com", `{"names":{"alice":"`+keyA+`"}}`)

	rr := get(t, h, "example.com", Path)
	require.JSONEq(t, `{"names":{}}`, rr.Body.String())
	require.Equal(t, 1, src.callCount("example.com"))

	h.Invalidate("EXAMPLE.com")
	rr = get(t, h, "example.com", Path)
	require.JSONEq(t, `{"names":{"alice":"`+keyA+`"}}`, rr.Body.String())
	require.Equal(t, 2, src.callCount("example.com"))
}

func TestHandler_Methods(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeSource{docs: map[string]string{}})

	req := httptest.NewRequest(http.MethodOptions, Path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, Path, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandler_SourceFailure(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeSource{err: errors.New("disk gone")})
	rr := get(t, h, "example.com", Path)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
