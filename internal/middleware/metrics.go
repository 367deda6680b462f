package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/Brahmajyot/story-time/internal/handler"
)

// MetricsAuthMiddleware guards the Prometheus scrape endpoint with basic
// authentication. Rejected scrapes are logged with the client address.
type MetricsAuthMiddleware struct {
	user   [sha256.Size]byte
	pass   [sha256.Size]byte
	logger *slog.Logger
}

// NewMetricsAuthMiddleware creates a new metrics auth middleware.
// If both username and password are empty, authentication is disabled and a
// nil middleware is returned; its Handler passes requests through.
func NewMetricsAuthMiddleware(username, password string, logger *slog.Logger) *MetricsAuthMiddleware {
	if username == "" && password == "" {
		return nil
	}
	return &MetricsAuthMiddleware{
		user:   sha256.Sum256([]byte(username)),
		pass:   sha256.Sum256([]byte(password)),
		logger: logger,
	}
}

// Handler returns middleware that requires the configured scrape credentials.
func (m *MetricsAuthMiddleware) Handler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !m.matches(user, pass) {
			m.logger.Warn("metrics scrape rejected",
				"client_ip", getClientIP(r),
				"credentials_present", ok,
			)
			w.Header().Set("WWW-Authenticate", `Basic realm="storytime metrics"`)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matches compares fixed-size digests so neither length nor content leaks
// through timing.
func (m *MetricsAuthMiddleware) matches(user, pass string) bool {
	u := sha256.Sum256([]byte(user))
	p := sha256.Sum256([]byte(pass))
	userMatch := subtle.ConstantTimeCompare(u[:], m.user[:])
	passMatch := subtle.ConstantTimeCompare(p[:], m.pass[:])
	return userMatch&passMatch == 1
}
