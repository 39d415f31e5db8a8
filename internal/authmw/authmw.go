// Package authmw provides HTTP middleware for bearer token authentication
// that resolves the caller to a named reviewer.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type reviewerKey struct{}

// Reviewer returns the identity attached by BearerTokens.
func Reviewer(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(reviewerKey{}).(string)
	return name, ok && name != ""
}

// WithReviewer attaches a reviewer identity to ctx.
func WithReviewer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, reviewerKey{}, name)
}

type credential struct {
	reviewer string
	token    []byte
}

// BearerTokens returns middleware that accepts any of the configured tokens
// (reviewer name to token) and stores the matching reviewer in the request
// context. Every token is compared in constant time.
func BearerTokens(tokens map[string]string) func(http.Handler) http.Handler {
	creds := make([]credential, 0, len(tokens))
	for name, tok := range tokens {
		creds = append(creds, credential{reviewer: name, token: []byte(tok)})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			var reviewer string
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					reviewer = c.reviewer
				}
			}
			if reviewer == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), reviewer)))
		})
	}
}

// ParseTokens parses a comma-separated "name:token" list.
func ParseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	seen := make(map[string]string)
	for pair := range strings.SplitSeq(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, tok, ok := strings.Cut(pair, ":")
		name, tok = strings.TrimSpace(name), strings.TrimSpace(tok)
		if !ok || name == "" || tok == "" {
			return nil, fmt.Errorf("malformed token entry %q (want name:token)", redact(pair))
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate reviewer %q", name)
		}
		if other, dup := seen[tok]; dup {
			return nil, fmt.Errorf("reviewers %q and %q share a token", other, name)
		}
		out[name] = tok
		seen[tok] = name
	}
	if len(out) == 0 {
		return nil, errors.New("no tokens configured")
	}
	return out, nil
}

func redact(pair string) string {
	name, _, ok := strings.Cut(pair, ":")
	if !ok {
		return "***"
	}
	return name + ":***"
}
