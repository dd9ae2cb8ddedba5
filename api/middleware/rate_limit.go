package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/residenza/backoffice/api/responses"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

// RateLimitPolicy throttles a traffic surface per client IP and per sigla.
// A zero limit turns that dimension off.
type RateLimitPolicy struct {
	name       string
	window     time.Duration
	ipLimit    int
	siglaLimit int
}

func NewRateLimitPolicy(name string, window time.Duration, ipLimit, siglaLimit int) RateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "payments"
	}
	return RateLimitPolicy{name: name, window: window, ipLimit: ipLimit, siglaLimit: siglaLimit}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.siglaLimit > 0)
}

// bucket is one counter a request is charged against.
type bucket struct {
	dimension string
	value     string
	scope     string
	limit     int
}

// buckets lists the counters for r. The sigla is read from the JSON body,
// which is restored for the next handler.
func (p RateLimitPolicy) buckets(r *http.Request) ([]bucket, error) {
	var out []bucket
	if ip := clientIP(r); p.ipLimit > 0 && ip != "" {
		out = append(out, bucket{"ip", ip, "ip:" + p.name + ":" + ip, p.ipLimit})
	}
	if p.siglaLimit == 0 || r.Body == nil {
		return out, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if sigla := siglaFromBody(body); sigla != "" {
		out = append(out, bucket{"sigla", sigla, "sigla:" + p.name + ":" + hashValue(sigla), p.siglaLimit})
	}
	return out, nil
}

// RateLimit enforces fixed-window counters. A nil store disables it; a store
// error fails the request closed.
func RateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			buckets, err := policy.buckets(r)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}

			for _, b := range buckets {
				count, err := store.IncrWithTTL(ctx, store.RateLimitKey(b.scope), policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if count > int64(b.limit) {
					policy.reject(ctx, logg, w, b, count)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (p RateLimitPolicy) reject(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, b bucket, count int64) {
	if logg != nil {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"scope":          b.dimension,
			b.dimension:      b.value,
			"policy":         p.name,
			"attempts":       count,
			"limit":          b.limit,
			"window_seconds": int(p.window.Seconds()),
		}), "rate_limit.blocked")
	}
	w.Header().Set("Retry-After", strconv.Itoa(max(1, int(p.window.Seconds()))))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket address.
func clientIP(r *http.Request) string {
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := strings.TrimSpace(part); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// siglaFromBody returns the upper-cased sigla of a payment request, or "" when
// the body is not JSON or carries none.
func siglaFromBody(payload []byte) string {
	var body struct {
		Sigla string `json:"sigla"`
	}
	if json.Unmarshal(payload, &body) != nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(body.Sigla))
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
