package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ratolabs/rato-license-server/api/responses"
	pkgerrors "github.com/ratolabs/rato-license-server/pkg/errors"
	"github.com/ratolabs/rato-license-server/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
}

// ValidateRateLimitPolicy defines the throttling parameters for the
// public validation surface. Keeping both an IP and a per-key counter
// stops one client from brute-forcing the key space and one key from
// being hammered through many proxies.
type ValidateRateLimitPolicy struct {
	name     string
	window   time.Duration
	ipLimit  int
	keyLimit int
}

// NewValidateRateLimitPolicy builds a policy with the supplied window and limits.
func NewValidateRateLimitPolicy(name string, window time.Duration, ipLimit, keyLimit int) ValidateRateLimitPolicy {
	return ValidateRateLimitPolicy{
		name:     strings.ToLower(strings.TrimSpace(name)),
		window:   window,
		ipLimit:  ipLimit,
		keyLimit: keyLimit,
	}
}

func (p ValidateRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.keyLimit > 0)
}

func (p ValidateRateLimitPolicy) normalizedName() string {
	if p.name == "" {
		return "validate"
	}
	return p.name
}

func (p ValidateRateLimitPolicy) ipKey(ip string) string {
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("rl:ip:%s:%s", p.normalizedName(), ip)
}

func (p ValidateRateLimitPolicy) licenseKey(hash string) string {
	if hash == "" {
		return ""
	}
	return fmt.Sprintf("rl:key:%s:%s", p.normalizedName(), hash)
}

// ValidateRateLimit enforces per-IP and per-license-key counters for the
// public validate endpoint.
func ValidateRateLimit(policy ValidateRateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := clientIP(r)
			if policy.ipLimit > 0 {
				if key := policy.ipKey(ip); key != "" {
					if allowed, count, err := allow(ctx, store, key, policy.window, int64(policy.ipLimit)); err != nil {
						responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					} else if !allowed {
						respondRateLimited(ctx, logg, w, policy, "ip", ip, "", count, policy.ipLimit)
						return
					}
				}
			}

			if policy.keyLimit > 0 {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				licenseKey := strings.ToUpper(strings.TrimSpace(extractLicenseKey(body)))
				if licenseKey != "" {
					hash := hashValue(licenseKey)
					if key := policy.licenseKey(hash); key != "" {
						if allowed, count, err := allow(ctx, store, key, policy.window, int64(policy.keyLimit)); err != nil {
							responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
							return
						} else if !allowed {
							respondRateLimited(ctx, logg, w, policy, "key", "", hash, count, policy.keyLimit)
							return
						}
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allow(ctx context.Context, store rateLimiterStore, key string, window time.Duration, limit int64) (bool, int64, error) {
	count, err := store.IncrWithTTL(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy ValidateRateLimitPolicy, scope, ip, keyHash string, count int64, limit int) {
	if logg != nil {
		fields := map[string]any{
			"scope":          scope,
			"policy":         policy.normalizedName(),
			"attempts":       count,
			"limit":          limit,
			"window_seconds": int(policy.window.Seconds()),
		}
		if ip != "" {
			fields["ip"] = ip
		}
		if keyHash != "" {
			fields["key_hash"] = keyHash
		}
		logCtx := logg.WithFields(ctx, fields)
		logg.Warn(logCtx, "validate.rate_limit.blocked")
	}
	err := pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded")
	responses.WriteError(ctx, nil, w, err)
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func extractLicenseKey(payload []byte) string {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Key
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
