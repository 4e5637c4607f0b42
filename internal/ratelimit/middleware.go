package ratelimit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quizforge/quizforge/internal/metrics"
)

// maxBodyPeek bounds how much of a request body the middleware buffers while
// looking for the user id. Allocate and merge bodies are a few hundred bytes.
const maxBodyPeek = 1 << 20

// Middleware limits the listed paths per user. The user id rides in the JSON
// request body, so the body is buffered, peeked, and handed to the next
// handler intact; requests without one fall back to a per-IP bucket. Paths
// outside the list pass straight through, and so do requests the limiter
// itself cannot check.
func Middleware(limiter *Limiter, paths []string) func(http.Handler) http.Handler {
	limited := make(map[string]bool, len(paths))
	for _, p := range paths {
		limited[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pathLimited(r.URL.Path, limited) {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyForIP(clientIP(r))
			if userID := peekUserID(r); userID != "" {
				key = KeyForUser(userID)
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// Never refuse traffic because the limiter is down.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limit_exceeded","message":"too many requests, retry later"}`))
				metrics.RecordRateLimited(r.URL.Path)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// pathLimited checks the exact path plus any prefix entries ending in "/*".
func pathLimited(path string, limited map[string]bool) bool {
	if limited[path] {
		return true
	}
	for p := range limited {
		if strings.HasSuffix(p, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
		}
	}
	return false
}

// peekUserID pulls user_id out of the JSON body and stitches the body back
// together so the real handler sees all of it. Unparseable or oversized
// bodies yield no user id; the handler rejects those on its own terms.
func peekUserID(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
	if err != nil {
		return ""
	}

	var probe struct {
		UserID string `json:"user_id"`
	}
	if json.Unmarshal(buf, &probe) != nil {
		return ""
	}
	return strings.TrimSpace(probe.UserID)
}

// clientIP extracts the client IP from proxy headers, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the original client.
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
