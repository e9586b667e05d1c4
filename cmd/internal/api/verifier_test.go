package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"nostrid/cmd/identity"

	"github.com/stretchr/testify/require"
)

func TestLNbitsVerifier(t *testing.T) {
	t.Parallel()

	responses := map[string]struct {
		status int
		body   string
	}{
		"/api/v1/payments/paid":      {200, `{"paid":true,"memo":"NIP-05: Alice@example.com"}`},
		"/api/v1/payments/nomemo":    {200, `{"paid":true}`},
		"/api/v1/payments/detail":    {200, `{"paid":true,"details":{"memo":"NIP-05: alice@example.com"}}`},
		"/api/v1/payments/other":     {200, `{"paid":true,"memo":"NIP-05: bob@example.com"}`},
		"/api/v1/payments/foreign":   {200, `{"paid":true,"memo":"coffee"}`},
		"/api/v1/payments/unpaid":    {200, `{"paid":false}`},
		"/api/v1/payments/missing":   {404, `{"detail":"not found"}`},
		"/api/v1/payments/malformed": {200, `{`},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		resp := responses[r.URL.Path]
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	defer srv.Close()

	v, err := NewLNbitsVerifier(srv.URL+"/", "k", srv.Client())
	require.NoError(t, err)

	id := identity.NewIdentifier("alice", "example.com")
	tests := []struct {
		hash    string
		want    bool
		wantErr bool
	}{
		{hash: "paid", want: true},
		{hash: "nomemo", want: true},
		{hash: "detail", want: true},
		{hash: "other", want: false},
		{hash: "foreign", want: false},
		{hash: "unpaid", want: false},
		{hash: "missing", want: false},
		{hash: "malformed", wantErr: true},
	}
	for _, tt := range tests {
		got, err := v.Paid(context.Background(), tt.hash, id)
		if tt.wantErr {
			require.Error(t, err, tt.hash)
			continue
		}
		require.NoError(t, err, tt.hash)
		require.Equal(t, tt.want, got, tt.hash)
	}
}

func TestNewLNbitsVerifier_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewLNbitsVerifier("ftp://x", "k", nil)
	require.True(t, identity.IsInvalidInput(err))
	_, err = NewLNbitsVerifier("https://lnbits.example", "", nil)
	require.True(t, identity.IsInvalidInput(err))
}
