// Package registry holds the authoritative in-memory map of known nodes.
// Records are created by register, refreshed by keepalive, and only ever
// removed by the periodic eviction sweep: a silent node becomes stale (and
// invisible to map queries) after the keepalive TTL, but the record is kept
// for audit until the longer eviction grace period expires.
package registry

import (
	"encoding/base64"
	"regexp"
	"sync"
	"time"

	"github.com/poaipnet/beacon/internal/geo"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/rs/zerolog/log"
)

// nodeIDPattern is the expected identifier shape: fixed prefix plus 40 hex
// characters. The coordinator validates the format only; it never derives
// identifiers itself.
var nodeIDPattern = regexp.MustCompile(`^wlt[0-9a-fA-F]{40}$`)

// minSignatureLen is the minimum decoded signature size accepted as
// plausibly well-formed.
const minSignatureLen = 16

// Verifier is the external collaborator performing full cryptographic
// signature verification. The registry itself only checks format/presence.
type Verifier interface {
	Verify(req models.RegisterRequest) error
}

// Registry is the shared node map. A single RWMutex serializes writers per
// the last-writer-wins contract; records are stored by value so readers see
// either the old or the fully updated record, never a mix.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]models.NodeRecord

	verifier     Verifier
	keepaliveTTL time.Duration
}

// New creates a registry. verifier may be nil, in which case only format
// checks are applied.
func New(keepaliveTTL time.Duration, verifier Verifier) *Registry {
	return &Registry{
		nodes:        make(map[string]models.NodeRecord),
		verifier:     verifier,
		keepaliveTTL: keepaliveTTL,
	}
}

// Register validates the request and upserts the node record. Re-registering
// an existing node_id refreshes its fields and last_seen in place; it never
// creates a duplicate.
func (r *Registry) Register(req models.RegisterRequest) (models.NodeRecord, error) {
	if err := validate(req); err != nil {
		return models.NodeRecord{}, err
	}

	if r.verifier != nil {
		if err := r.verifier.Verify(req); err != nil {
			return models.NodeRecord{}, models.NewCodedError(models.CodeInvalidSignature, err.Error())
		}
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.nodes[req.NodeID]
	if !exists {
		rec.RegisteredAt = now
	}

	rec.NodeID = req.NodeID
	rec.PublicIP = req.PublicIP
	rec.Port = req.Port
	rec.Latitude = req.Latitude
	rec.Longitude = req.Longitude
	rec.OSInfo = req.OSInfo
	rec.NodeType = req.NodeType
	rec.PublicKey = req.PublicKey
	rec.Signature = req.Signature
	rec.WalletAddress = req.WalletAddress
	rec.MiningModel = req.MiningModel
	rec.LastSeen = now

	r.nodes[req.NodeID] = rec
	return rec, nil
}

// Keepalive refreshes a node's last_seen. A node that was never registered
// (or already evicted) yields UNKNOWN_NODE; clients recover by re-registering.
func (r *Registry) Keepalive(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		return models.NewCodedError(models.CodeUnknownNode, "node is not registered")
	}

	rec.LastSeen = time.Now()
	r.nodes[nodeID] = rec

	return nil
}

// ActiveNodes returns all nodes whose last_seen falls inside the keepalive
// TTL. Freshness is computed lazily at call time; no background deletion.
func (r *Registry) ActiveNodes() []models.NodeRecord {
	cutoff := time.Now().Add(-r.keepaliveTTL)

	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]models.NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		if rec.LastSeen.After(cutoff) {
			active = append(active, rec)
		}
	}

	return active
}

// Lookup returns the record for a node id, if present.
func (r *Registry) Lookup(nodeID string) (models.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.nodes[nodeID]
	return rec, ok
}

// Size returns the total number of records, stale included.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}

// EvictStale physically removes records silent for longer than graceWindow.
// Runs on a fixed-interval timer, never inline with request handling.
func (r *Registry) EvictStale(graceWindow time.Duration) int {
	cutoff := time.Now().Add(-graceWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, rec := range r.nodes {
		if rec.LastSeen.Before(cutoff) {
			delete(r.nodes, id)
			evicted++
		}
	}

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("remaining", len(r.nodes)).Msg("Stale nodes evicted")
	}

	return evicted
}

// validate applies the registration format checks in the documented order.
func validate(req models.RegisterRequest) error {
	if !nodeIDPattern.MatchString(req.NodeID) {
		return models.NewCodedError(models.CodeInvalidFormat, "node_id must be 'wlt' followed by 40 hex characters")
	}

	if req.Port <= 0 || req.Port > 65535 {
		return models.NewCodedError(models.CodeInvalidFormat, "port out of range")
	}

	switch req.NodeType {
	case models.NodeTypeGenesis, models.NodeTypeValidator, models.NodeTypeRegular:
	default:
		return models.NewCodedError(models.CodeInvalidFormat, "node_type must be genesis, validator or regular")
	}

	if !geo.ValidCoordinates(req.Latitude, req.Longitude) {
		return models.NewCodedError(models.CodeInvalidCoordinates, "latitude/longitude out of range")
	}

	if req.PublicKey == "" {
		return models.NewCodedError(models.CodeInvalidSignature, "public_key is required")
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(sig) < minSignatureLen {
		return models.NewCodedError(models.CodeInvalidSignature, "signature is empty or malformed")
	}

	return nil
}
