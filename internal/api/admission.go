// Admission filters: loopback peer -> Host header -> Origin allowlist ->
// body size -> rate limit, executed in that order with the first rejection
// winning.
package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"localgitd/internal/apierr"
)

const maxBodyBytes = 256 * 1024 // 256 KiB

func isLoopbackAddr(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// loopbackFilter rejects any request whose peer address isn't 127.0.0.1,
// ::1, or an IPv4-mapped loopback literal.
func (s *Server) loopbackFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackAddr(peerHost(r.RemoteAddr)) {
			apierr.WriteJSON(w, apierr.ErrOriginNotAllowed("connection is not from loopback"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hostFilter rejects any request whose Host header hostname isn't
// 127.0.0.1 or localhost, defeating DNS-rebinding attacks.
func (s *Server) hostFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostname := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			hostname = h
		}
		if hostname != "127.0.0.1" && hostname != "localhost" {
			apierr.WriteJSON(w, apierr.ErrOriginNotAllowed("unexpected Host header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originFilter rejects requests with a missing Origin or one not present
// (exact match) in the configured allowlist, then sets CORS headers echoing
// that origin back — never a wildcard.
func (s *Server) originFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !s.originAllowed(origin) {
			apierr.WriteJSON(w, apierr.ErrOriginNotAllowed("origin missing or not allowed"))
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.OriginAllowlist {
		if o == origin {
			return true
		}
	}
	return false
}

// bodySizeFilter rejects bodies over 256 KiB and caps the reader so an
// over-long body can't be read past the limit either.
func (s *Server) bodySizeFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodyBytes {
			apierr.WriteJSON(w, apierr.ErrRequestTooLarge())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// limiterSet tracks one token-bucket limiter per peer address.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newLimiterSet(perWindow int, window time.Duration) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Every(window / time.Duration(perWindow)),
		burst:    perWindow,
	}
}

func (ls *limiterSet) allow(key string) bool {
	ls.mu.Lock()
	lim, ok := ls.limiters[key]
	if !ok {
		lim = rate.NewLimiter(ls.r, ls.burst)
		ls.limiters[key] = lim
	}
	ls.mu.Unlock()
	return lim.Allow()
}

// rateLimitFilter enforces the per-peer budget held in ls. The router applies
// it with the global limiter to every request, and the pair route runs a
// second instance with the stricter pairing-only limiter on top of that.
func rateLimitFilter(ls *limiterSet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ls.allow(peerHost(r.RemoteAddr)) {
				apierr.WriteJSON(w, apierr.ErrRateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerAuth requires a valid Authorization: Bearer token for the request's
// Origin, scoped per-origin the way tokens are issued.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		authz := r.Header.Get("Authorization")
		if authz == "" {
			apierr.WriteJSON(w, apierr.ErrAuthRequired())
			return
		}
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			apierr.WriteJSON(w, apierr.ErrAuthInvalid())
			return
		}
		token := strings.TrimPrefix(authz, prefix)
		if !s.tokens.VerifyToken(origin, token) {
			apierr.WriteJSON(w, apierr.ErrAuthInvalid())
			return
		}
		next.ServeHTTP(w, r)
	})
}
