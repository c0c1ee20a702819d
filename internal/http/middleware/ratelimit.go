package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor tracks one client's limiter and its last activity for pruning.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorIdleTTL = 10 * time.Minute

// RateLimit applies a per-client request budget. perMinute <= 0 disables
// limiting. Artifact fetches are exempt: a single player pulling segments
// can legitimately exceed any sane API budget.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perMinute <= 0 {
			return next
		}

		var mu sync.Mutex
		visitors := make(map[string]*visitor)
		limit := rate.Limit(float64(perMinute) / 60.0)
		burst := perMinute

		allow := func(addr string) bool {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}

			mu.Lock()
			defer mu.Unlock()

			v, ok := visitors[host]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(limit, burst)}
				visitors[host] = v
				// Opportunistic prune on insert keeps the map bounded.
				for ip, old := range visitors {
					if time.Since(old.lastSeen) > visitorIdleTTL {
						delete(visitors, ip)
					}
				}
			}
			v.lastSeen = time.Now()
			return v.limiter.Allow()
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if !allow(r.RemoteAddr) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
