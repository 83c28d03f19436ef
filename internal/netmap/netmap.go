// Package netmap derives the bounded, geography-ranked peer subset returned
// to a requester from the node registry.
package netmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/poaipnet/beacon/internal/geo"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/poaipnet/beacon/internal/vars"
)

// NodeSource provides the current active node view. *registry.Registry
// satisfies it.
type NodeSource interface {
	ActiveNodes() []models.NodeRecord
}

// Builder computes read-only map payloads; it owns no mutable state.
type Builder struct {
	source       NodeSource
	codec        Codec
	defaultLimit int
	maxLimit     int
}

// NewBuilder wires a builder to its node source and payload codec.
func NewBuilder(source NodeSource, codec Codec, defaultLimit, maxLimit int) *Builder {
	return &Builder{
		source:       source,
		codec:        codec,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// Build returns up to limit active peers sorted by ascending great-circle
// distance from the requester. limit <= 0 selects the default; anything
// above the configured maximum is clamped. Zero active nodes yields an
// empty, still well-formed payload.
func (b *Builder) Build(requesterLat, requesterLon float64, limit int) (models.MapPayload, error) {
	if limit <= 0 {
		limit = b.defaultLimit
	}
	if limit > b.maxLimit {
		limit = b.maxLimit
	}

	active := b.source.ActiveNodes()

	genesis := 0
	peers := make([]models.PeerEndpoint, 0, len(active))
	for _, n := range active {
		if n.NodeType == models.NodeTypeGenesis {
			genesis++
		}
		peers = append(peers, models.PeerEndpoint{
			NodeID:    n.NodeID,
			PublicIP:  n.PublicIP,
			Port:      n.Port,
			NodeType:  n.NodeType,
			Latitude:  n.Latitude,
			Longitude: n.Longitude,
		})
	}

	sort.Slice(peers, func(i, j int) bool {
		di := geo.Distance(requesterLat, requesterLon, peers[i].Latitude, peers[i].Longitude)
		dj := geo.Distance(requesterLat, requesterLon, peers[j].Latitude, peers[j].Longitude)
		return di < dj
	})

	if len(peers) > limit {
		peers = peers[:limit]
	}

	plaintext, err := json.Marshal(peers)
	if err != nil {
		return models.MapPayload{}, fmt.Errorf("failed to marshal peer list: %w", err)
	}

	encrypted, err := b.codec.Encrypt(plaintext)
	if err != nil {
		return models.MapPayload{}, fmt.Errorf("failed to seal peer list: %w", err)
	}

	return models.MapPayload{
		Version:       vars.Version,
		Timestamp:     time.Now(),
		ActiveNodes:   len(active),
		GenesisNodes:  genesis,
		EncryptedData: encrypted,
	}, nil
}
