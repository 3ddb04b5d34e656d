package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"byorlhub-license-api/pkg/apierror"
	"byorlhub-license-api/pkg/response"
)

// RateLimit throttles requests per client IP. Each client gets a token
// bucket refilling at rps with the given burst; exhausted buckets answer
// 429. Limiters are never evicted, which is fine at this request volume.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[key] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !limiterFor(host).Allow() {
				response.Error(w, apierror.TooManyRequests("Too many requests. Slow down."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
