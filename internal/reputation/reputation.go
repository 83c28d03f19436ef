// Package reputation tracks per-IP request history, suspicion scores, and
// blacklist/whitelist membership. Blacklist and whitelist mutations are
// written through to persistent storage so an operator's emergency unblock
// survives a coordinator restart.
package reputation

import (
	"sync"
	"time"

	"github.com/poaipnet/beacon/internal/geoip"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/rs/zerolog/log"
)

// windowCap bounds the per-IP sliding window; the oldest timestamp is
// evicted on overflow.
const windowCap = 128

// identityCap bounds the per-identity sighting history.
const identityCap = 32

// Persistence is the durable backing for blacklist/whitelist membership.
// *storage.Repository satisfies it; tests may pass nil for memory-only mode.
type Persistence interface {
	AddBlacklist(ip, reason string, at time.Time) error
	RemoveBlacklist(ip string) error
	AddWhitelist(ip string, at time.Time) error
	LoadBlacklist() (map[string]string, error)
	LoadWhitelist() ([]string, error)
}

type entry struct {
	window     []time.Time
	suspicious int
}

// Store is the IP reputation store. All counters are updated under a single
// mutex so concurrent requests from the same source never lose increments.
type Store struct {
	mu sync.Mutex

	entries    map[string]*entry
	blacklist  map[string]string
	whitelist  map[string]struct{}
	identities map[string][]CountrySighting

	persist        Persistence
	geo            *geoip.Provider
	suspicionLimit int
}

// NewStore builds a reputation store, reloading persisted blacklist and
// whitelist membership when a persistence layer is provided. The GeoIP
// provider may be nil, which disables the geography heuristic.
func NewStore(suspicionLimit int, persist Persistence, geo *geoip.Provider) (*Store, error) {
	s := &Store{
		entries:        make(map[string]*entry),
		blacklist:      make(map[string]string),
		whitelist:      make(map[string]struct{}),
		identities:     make(map[string][]CountrySighting),
		persist:        persist,
		geo:            geo,
		suspicionLimit: suspicionLimit,
	}

	if persist != nil {
		black, err := persist.LoadBlacklist()
		if err != nil {
			return nil, err
		}
		for ip, reason := range black {
			s.blacklist[ip] = reason
		}

		white, err := persist.LoadWhitelist()
		if err != nil {
			return nil, err
		}
		for _, ip := range white {
			s.whitelist[ip] = struct{}{}
		}
	}

	return s, nil
}

// IsBlocked reports whether requests from the IP must be rejected.
// Whitelist membership dominates the blacklist.
func (s *Store) IsBlocked(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whitelist[ip]; ok {
		return false
	}
	_, blocked := s.blacklist[ip]

	return blocked
}

// IsWhitelisted reports whitelist membership; whitelisted IPs are exempt
// from rate limiting.
func (s *Store) IsWhitelisted(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.whitelist[ip]
	return ok
}

// RecordSuspicious increments the IP's suspicion score after an
// invalid-client request. Once the score exceeds the configured limit the IP
// is blacklisted automatically. Returns true if the IP is now blacklisted.
func (s *Store) RecordSuspicious(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(ip)
	e.suspicious++

	if e.suspicious > s.suspicionLimit {
		s.blacklistLocked(ip, "suspicion threshold exceeded")
		return true
	}

	return false
}

// RecordRequest appends the request timestamp to the IP's sliding window and
// runs the flood heuristic over an immutable snapshot. Returns true if the
// request tripped the heuristic and the IP is now blacklisted.
func (s *Store) RecordRequest(ip string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(ip)
	e.window = append(e.window, ts)
	if len(e.window) > windowCap {
		e.window = e.window[len(e.window)-windowCap:]
	}

	if _, ok := s.whitelist[ip]; ok {
		return false
	}

	snapshot := WindowSnapshot{Now: ts, Requests: append([]time.Time(nil), e.window...)}
	if v := ScoreWindow(snapshot); v.Anomalous {
		s.blacklistLocked(ip, v.Reason)
		return true
	}

	return false
}

// RecordIdentity tags a registration of nodeID from ip with the source
// country and runs the geography heuristic. Returns true if the source IP
// was blacklisted.
func (s *Store) RecordIdentity(nodeID, ip string, ts time.Time) bool {
	country := s.geo.CountryCode(ip)
	if country == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sightings := append(s.identities[nodeID], CountrySighting{At: ts, Country: country})
	if len(sightings) > identityCap {
		sightings = sightings[len(sightings)-identityCap:]
	}
	s.identities[nodeID] = sightings

	if _, ok := s.whitelist[ip]; ok {
		return false
	}

	snapshot := IdentitySnapshot{Now: ts, Sightings: append([]CountrySighting(nil), sightings...)}
	if v := ScoreIdentity(snapshot); v.Anomalous {
		s.blacklistLocked(ip, v.Reason)
		return true
	}

	return false
}

// Blacklist adds an IP to the blacklist with a descriptive reason.
func (s *Store) Blacklist(ip, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blacklistLocked(ip, reason)
}

// Whitelist adds an IP to the whitelist and clears any blacklist entry.
func (s *Store) Whitelist(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.whitelist[ip] = struct{}{}
	delete(s.blacklist, ip)

	if s.persist != nil {
		if err := s.persist.AddWhitelist(ip, time.Now()); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("Failed to persist whitelist entry")
		}
		if err := s.persist.RemoveBlacklist(ip); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("Failed to remove persisted blacklist entry")
		}
	}
}

// Unblock removes an IP from the blacklist and resets its suspicion score.
// This is the operator recovery path for heuristic false positives.
func (s *Store) Unblock(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blacklist, ip)
	if e, ok := s.entries[ip]; ok {
		e.suspicious = 0
	}

	if s.persist != nil {
		if err := s.persist.RemoveBlacklist(ip); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("Failed to remove persisted blacklist entry")
		}
	}
}

// Stats returns a summary of the store's current state.
func (s *Store) Stats() models.ReputationStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	suspicious := 0
	for _, e := range s.entries {
		if e.suspicious > 0 {
			suspicious++
		}
	}

	return models.ReputationStats{
		BlockedIPs:     len(s.blacklist),
		SuspiciousIPs:  suspicious,
		WhitelistedIPs: len(s.whitelist),
		TrackedIPs:     len(s.entries),
	}
}

// entry returns the tracked entry for an IP, creating it on first sight.
// Caller must hold the mutex.
func (s *Store) entry(ip string) *entry {
	e, ok := s.entries[ip]
	if !ok {
		e = &entry{}
		s.entries[ip] = e
	}

	return e
}

// blacklistLocked records the blacklist entry and writes it through.
// Caller must hold the mutex.
func (s *Store) blacklistLocked(ip, reason string) {
	if _, already := s.blacklist[ip]; already {
		return
	}
	s.blacklist[ip] = reason

	log.Warn().Str("ip", ip).Str("reason", reason).Msg("IP blacklisted")

	if s.persist != nil {
		if err := s.persist.AddBlacklist(ip, reason, time.Now()); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("Failed to persist blacklist entry")
		}
	}
}
