package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/domain"
	"bookpay/internal/models"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	callerHeaderDefault = "X-User-ID"

	permWriteBookings = "write:bookings"
	permReadPayments  = "read:payments"
	permReadExport    = "read:export"

	clientKeyUnknown = "unknown"
)

var errPermissionDenied = fmt.Errorf("permission denied")

// HTTPAuth provides API-key auth and per-key rate limiting. Gateway return
// endpoints and health checks are exempt: PayWay does not carry our keys.
// With a limit store present the window is counted there, shared across
// instances; the in-process token bucket is the fallback.
type HTTPAuth struct {
	cfg        *config.APIConfig
	clients    map[string]config.APIClientKey
	limiter    *rateLimiter
	limitStore domain.CheckoutCache
}

func NewHTTPAuth(cfg *config.APIConfig, limitStore domain.CheckoutCache) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(cfg), limitStore: limitStore}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if err == errPermissionDenied {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/payway/") || path == "/healthz"
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader()))
	if apiKey == "" {
		return fmt.Errorf("missing api key header")
	}

	client, ok := a.lookupClient(apiKey)
	if !ok {
		return fmt.Errorf("invalid api key")
	}

	return a.checkPermissions(client, r)
}

// lookupClient compares the presented key against every configured key in
// constant time; the key set is small enough that the scan is free.
func (a *HTTPAuth) lookupClient(apiKey string) (config.APIClientKey, bool) {
	var (
		found  config.APIClientKey
		hasHit bool
	)
	for key, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			found = client
			hasHit = true
		}
	}
	return found, hasHit
}

func (a *HTTPAuth) checkPermissions(client config.APIClientKey, r *http.Request) error {
	required := requiredPermission(r)
	if required == "" {
		return nil
	}
	// Пустой список прав трактуем как allow-all.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermission(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/bookings"):
		return permWriteBookings
	case strings.HasPrefix(path, "/api/v1/payments/"):
		return permReadPayments
	case strings.HasPrefix(path, "/api/v1/export/"):
		return permReadExport
	default:
		return ""
	}
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	key := a.clientKey(r)

	// Sub-one-per-window rates cannot be expressed as a window count, so
	// those stay on the token bucket.
	window := models.RateLimitWindowSeconds * time.Second
	limit := int(a.cfg.RateLimit.RPS * window.Seconds())
	if a.limitStore != nil && limit >= 1 {
		allowed, err := a.limitStore.CheckRateLimit(r.Context(), key, limit, window)
		if err == nil {
			if !allowed {
				return fmt.Errorf("rate limit exceeded")
			}
			return nil
		}
		// Store error: the token bucket below takes over.
	}

	lim := a.limiter.getLimiter(key)
	if !lim.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (a *HTTPAuth) apiKeyHeader() string {
	h := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey)
	if h == "" {
		h = apiKeyHeaderDefault
	}
	return h
}

// callerID reads the acting user from the caller header. Booking and payment
// endpoints refuse to act without one.
func (a *HTTPAuth) callerID(r *http.Request) (int64, error) {
	header := strings.TrimSpace(a.cfg.CallerHeader)
	if header == "" {
		header = callerHeaderDefault
	}
	raw := strings.TrimSpace(r.Header.Get(header))
	if raw == "" {
		return 0, fmt.Errorf("%s header is required", header)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s header must be a positive integer", header)
	}
	return id, nil
}
