package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/poaipnet/beacon/internal/monitor"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type contextKey int

// clientIPKey carries the resolved client IP through the request context.
const clientIPKey contextKey = iota

// GetRealIP attempts to determine the client's real IP address, trusting
// headers like CF-Connecting-IP or X-Forwarded-For (first hop only) if
// configured to do so.
func GetRealIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
			return cf
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// clientIP returns the IP resolved by the admission middleware.
func clientIP(r *http.Request) string {
	ip, _ := r.Context().Value(clientIPKey).(string)
	return ip
}

// statusRecorder captures the status code written by downstream handlers so
// the outcome can be fed to monitoring.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ObserveMiddleware is the outermost layer: it applies the per-request
// processing timeout, measures latency, and reports every call's outcome to
// monitoring regardless of which handler served it.
func (s *Server) ObserveMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()

		ip := GetRealIP(r, s.trustProxy)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, clientIPKey, ip)))

		elapsed := time.Since(start)
		s.monitor.Record(monitor.RequestSample{
			Timestamp: start,
			Latency:   elapsed,
			IP:        ip,
			Endpoint:  r.URL.Path,
			Status:    rec.status,
		})

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("Request handled")
	})
}

// AdmissionMiddleware validates a request before it reaches business logic:
// client IP resolution, reputation check, User-Agent allow-list, then rate
// limits. The first failing step rejects the request.
func (s *Server) AdmissionMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" || net.ParseIP(ip) == nil {
			writeError(w, http.StatusForbidden, models.CodeInvalidClient, "client address could not be resolved")
			return
		}

		if s.reputation.IsBlocked(ip) {
			writeError(w, http.StatusForbidden, models.CodeIPBlocked, "source address is blacklisted")
			return
		}

		hash := xxhash.Sum64String(r.UserAgent())
		if _, allowed := s.allowedAgents[hash]; !allowed {
			if s.reputation.RecordSuspicious(ip) {
				log.Warn().Str("ip", ip).Str("ua", r.UserAgent()).Msg("IP auto-blacklisted after repeated invalid clients")
			}
			writeError(w, http.StatusForbidden, models.CodeInvalidClient, "unrecognized client")
			return
		}

		// Whitelisted operators bypass rate limiting entirely
		if !s.reputation.IsWhitelisted(ip) {
			if !s.allowRate(ip, endpoint) {
				writeError(w, http.StatusTooManyRequests, models.CodeRateLimited, "rate limit exceeded, retry with backoff")
				return
			}
		}

		s.reputation.RecordRequest(ip, time.Now())

		next.ServeHTTP(w, r)
	})
}

// allowRate checks the global per-IP bucket and the endpoint-specific bucket.
func (s *Server) allowRate(ip, endpoint string) bool {
	s.limiterMu.Lock()

	cli, found := s.limiters[ip]
	if !found {
		globalLimit := rate.Limit(float64(s.rateCfg.GlobalCount) / s.rateCfg.GlobalWindow.Seconds())
		cli = &clientLimiter{
			global:    rate.NewLimiter(globalLimit, s.rateCfg.GlobalCount),
			endpoints: make(map[string]*rate.Limiter),
		}
		s.limiters[ip] = cli
	}
	cli.lastSeen = time.Now()

	limiter, ok := cli.endpoints[endpoint]
	if !ok {
		perMin := s.endpointCeiling(endpoint)
		limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		cli.endpoints[endpoint] = limiter
	}

	global := cli.global
	s.limiterMu.Unlock()

	// Both ceilings must pass
	return global.Allow() && limiter.Allow()
}

// endpointCeiling maps an endpoint name to its per-minute request budget.
func (s *Server) endpointCeiling(endpoint string) int {
	switch endpoint {
	case "register":
		return s.rateCfg.RegisterPerMin
	case "keepalive":
		return s.rateCfg.KeepalivePerMin
	case "network-map":
		return s.rateCfg.MapPerMin
	case "health":
		return s.rateCfg.HealthPerMin
	default:
		return s.rateCfg.DefaultPerMin
	}
}

// AdminMiddleware protects operator endpoints with a bearer token and,
// optionally, a loopback-only source restriction. Admin traffic is not
// User-Agent gated.
func (s *Server) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminLoopbackOnly {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		if r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
