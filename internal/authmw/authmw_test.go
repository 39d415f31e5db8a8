package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var tokens = map[string]string{
	"ana": "secret-token-123",
	"bob": "other-token-456",
}

func whoami(w http.ResponseWriter, r *http.Request) {
	name, ok := Reviewer(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(name))
}

func TestBearerTokens_ResolvesReviewer(t *testing.T) {
	t.Parallel()

	h := BearerTokens(tokens)(http.HandlerFunc(whoami))

	for name, tok := range tokens {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", name, rec.Code, http.StatusOK)
		}
		if got := rec.Body.String(); got != name {
			t.Errorf("reviewer = %q, want %q", got, name)
		}
	}
}

func TestBearerTokens_Rejects(t *testing.T) {
	t.Parallel()

	h := BearerTokens(tokens)(http.HandlerFunc(whoami))

	tests := []struct {
		name  string
		value string
	}{
		{"Basic auth", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer secret-token-123"},
		{"no prefix", "secret-token-123"},
		{"empty", ""},
		{"wrong token", "Bearer wrong-token"},
		{"partial match", "Bearer secret"},
		{"token with suffix", "Bearer secret-token-123-extra"},
		{"empty token", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.value != "" {
				req.Header.Set("Authorization", tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestReviewer_Missing(t *testing.T) {
	t.Parallel()

	if _, ok := Reviewer(context.Background()); ok {
		t.Error("expected no reviewer on a plain context")
	}
	if _, ok := Reviewer(WithReviewer(context.Background(), "")); ok {
		t.Error("empty reviewer must not count")
	}
}

func TestParseTokens(t *testing.T) {
	t.Parallel()

	got, err := ParseTokens(" ana:tok1, bob:tok2 ,")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if len(got) != 2 || got["ana"] != "tok1" || got["bob"] != "tok2" {
		t.Errorf("got = %v", got)
	}
}

func TestParseTokens_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "no tokens"},
		{"no colon", "ana", "malformed"},
		{"no token", "ana:", "malformed"},
		{"no name", ":tok", "malformed"},
		{"duplicate reviewer", "ana:a,ana:b", "duplicate reviewer"},
		{"shared token", "ana:same,bob:same", "share a token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTokens(tt.in)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseTokens_RedactsSecret(t *testing.T) {
	t.Parallel()

	_, err := ParseTokens("ana:good,bob-supersecret")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "supersecret") {
		t.Errorf("error leaks token: %v", err)
	}
}
