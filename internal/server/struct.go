package server

import (
	"sync"
	"time"

	"github.com/poaipnet/beacon/internal/bootstrap"
	"github.com/poaipnet/beacon/internal/config"
	"github.com/poaipnet/beacon/internal/monitor"
	"github.com/poaipnet/beacon/internal/netmap"
	"github.com/poaipnet/beacon/internal/registry"
	"github.com/poaipnet/beacon/internal/reputation"
	"golang.org/x/time/rate"
)

// Server holds the dependencies, configuration, and runtime state required
// to handle HTTP requests and background coordination tasks.
type Server struct {
	// registry is the authoritative in-memory node map.
	registry *registry.Registry

	// reputation tracks per-IP history and blacklist/whitelist membership.
	reputation *reputation.Store

	// maps builds the geography-ranked peer subsets.
	maps *netmap.Builder

	// bootstrap is the network-wide genesis state machine.
	bootstrap *bootstrap.Coordinator

	// monitor aggregates request outcomes and raises threshold alerts.
	monitor *monitor.Monitor

	// allowedAgents is a set of hashed wallet client User-Agent strings
	// (using xxhash) authorized to call the public API.
	allowedAgents map[uint64]struct{}

	// limiters tracks per-IP token buckets: one global bucket plus one per
	// endpoint, created lazily and garbage collected when idle.
	limiters  map[string]*clientLimiter
	limiterMu sync.Mutex

	// shutdown broadcasts a stop signal to all background workers.
	shutdown chan struct{}

	// wg waits for background workers during graceful shutdown.
	wg sync.WaitGroup

	// adminToken is the bearer token required on /admin endpoints.
	adminToken string

	// rateCfg holds the admission rate limit ceilings.
	rateCfg config.RateLimit

	// registryCfg holds eviction intervals for the background sweep.
	registryCfg config.Registry

	// monitorCfg holds the evaluation and sampling intervals.
	monitorCfg config.Monitor

	// maxBody bounds incoming request bodies.
	maxBody int64

	// requestTimeout bounds the processing time of a single request.
	requestTimeout time.Duration

	// trustProxy enables client IP resolution from forwarding headers.
	trustProxy bool

	// adminLoopbackOnly restricts /admin endpoints to loopback clients.
	adminLoopbackOnly bool
}

// clientLimiter is the per-IP rate limiting state.
type clientLimiter struct {
	global    *rate.Limiter
	endpoints map[string]*rate.Limiter
	lastSeen  time.Time
}
