// Package server implements the HTTP server, the admission gateway
// middleware, and the request handlers of the coordinator.
package server

import (
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/poaipnet/beacon/internal/bootstrap"
	"github.com/poaipnet/beacon/internal/config"
	"github.com/poaipnet/beacon/internal/monitor"
	"github.com/poaipnet/beacon/internal/netmap"
	"github.com/poaipnet/beacon/internal/registry"
	"github.com/poaipnet/beacon/internal/reputation"
)

// New creates a Server instance wiring the registry, reputation store, map
// builder, bootstrap coordinator, and monitor together.
func New(reg *registry.Registry, rep *reputation.Store, maps *netmap.Builder,
	boot *bootstrap.Coordinator, mon *monitor.Monitor, cfg *config.Config) *Server {

	agentMap := make(map[uint64]struct{})
	for _, agent := range cfg.Server.AllowedAgents {
		agentMap[xxhash.Sum64String(agent)] = struct{}{}
	}

	return &Server{
		registry:          reg,
		reputation:        rep,
		maps:              maps,
		bootstrap:         boot,
		monitor:           mon,
		allowedAgents:     agentMap,
		limiters:          make(map[string]*clientLimiter),
		adminToken:        cfg.Server.AdminToken,
		rateCfg:           cfg.RateLimit,
		registryCfg:       cfg.Registry,
		monitorCfg:        cfg.Monitor,
		maxBody:           cfg.Server.MaxBodySize,
		requestTimeout:    cfg.Server.RequestTimeout,
		trustProxy:        cfg.Server.TrustProxy,
		adminLoopbackOnly: cfg.Server.AdminLoopbackOnly,

		shutdown: make(chan struct{}),
	}
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/register", s.AdmissionMiddleware("register", http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /api/v1/keepalive", s.AdmissionMiddleware("keepalive", http.HandlerFunc(s.handleKeepalive)))
	mux.Handle("POST /api/v1/network-map", s.AdmissionMiddleware("network-map", http.HandlerFunc(s.handleNetworkMap)))
	mux.Handle("GET /api/v1/health", s.AdmissionMiddleware("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/v1/stats", s.AdmissionMiddleware("stats", http.HandlerFunc(s.handleStats)))

	mux.Handle("GET /admin/stats", s.AdminMiddleware(http.HandlerFunc(s.handleAdminStats)))
	mux.Handle("POST /admin/unblock/{ip}", s.AdminMiddleware(http.HandlerFunc(s.handleUnblock)))

	return s.ObserveMiddleware(mux)
}

// StartWorkers launches the fixed-interval background tasks: registry
// eviction, alert threshold evaluation, host resource sampling, and limiter
// cache cleanup. They mutate shared state through the same synchronized
// paths as request handlers.
func (s *Server) StartWorkers() {
	s.wg.Add(4)

	go s.loop(s.registryCfg.EvictInterval, func() {
		s.registry.EvictStale(s.registryCfg.EvictGrace)
	})

	go s.loop(s.monitorCfg.EvalInterval, func() {
		s.monitor.Evaluate(time.Now())
	})

	go s.loop(s.monitorCfg.ResourceInterval, func() {
		s.monitor.SampleResources(time.Now())
	})

	go s.loop(5*time.Minute, s.gcLimiters)
}

// StopWorkers gracefully stops the background workers.
func (s *Server) StopWorkers() {
	close(s.shutdown)
	s.wg.Wait()
}

// loop runs fn on a fixed interval until shutdown.
func (s *Server) loop(interval time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// gcLimiters drops per-IP limiter state idle for more than 10 minutes.
func (s *Server) gcLimiters() {
	now := time.Now()

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	for ip, cli := range s.limiters {
		if now.Sub(cli.lastSeen) > 10*time.Minute {
			delete(s.limiters, ip)
		}
	}
}
