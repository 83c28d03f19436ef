// Package bootstrap drives the genesis state machine for a network with no
// history: two pioneer nodes must discover each other through the
// coordinator before a genesis block can be agreed and normal discovery
// begins. The coordinator is rendezvous-only: once both pioneers hold each
// other's endpoint, the peer with the lexicographically lowest node_id
// proposes the genesis block, the other validates and co-signs, and either
// reports the committed hash back via registration metadata.
package bootstrap

import (
	"errors"
	"sync"

	"github.com/poaipnet/beacon/internal/models"
	"github.com/rs/zerolog/log"
)

// Mode is the bootstrap phase. Progression is monotonic: pioneer ->
// discovery -> genesis -> network, with no regression once network is
// reached.
type Mode string

// Bootstrap phases.
const (
	ModePioneer   Mode = "pioneer"
	ModeDiscovery Mode = "discovery"
	ModeGenesis   Mode = "genesis"
	ModeNetwork   Mode = "network"
)

// Snapshot is a read-only copy of the bootstrap state.
type Snapshot struct {
	Mode            Mode     `json:"mode"`
	DiscoveredPeers []string `json:"discovered_peers"`
	GenesisHash     string   `json:"genesis_hash,omitempty"`
}

// Coordinator is the single network-wide bootstrap state machine. It is fed
// registration metadata by the HTTP layer; there is no penalty for slow
// bootstrap, sparse networks stay in pioneer indefinitely.
type Coordinator struct {
	mu sync.Mutex

	mode        Mode
	peers       []string          // ordered set of ready pioneer identities
	acks        map[string]string // node_id -> acknowledged peer
	genesisHash string
}

// New starts a coordinator in pioneer mode.
func New() *Coordinator {
	return &Coordinator{
		mode: ModePioneer,
		acks: make(map[string]string),
	}
}

// Mode returns the current phase.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// State returns a copy of the full bootstrap state.
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Mode:            c.mode,
		DiscoveredPeers: append([]string(nil), c.peers...),
		GenesisHash:     c.genesisHash,
	}
}

// Observe feeds one successful registration into the state machine. A node
// is a ready pioneer candidate when it registers as genesis type with a
// wallet address and a selected mining model. Handshake acknowledgements and
// the committed genesis hash arrive through the same metadata.
func (c *Coordinator) Observe(req models.RegisterRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeNetwork {
		return // inert once the network is live
	}

	ready := req.NodeType == models.NodeTypeGenesis &&
		req.WalletAddress != "" && req.MiningModel != ""
	if ready {
		c.addPeerLocked(req.NodeID)
	}

	if req.HandshakePeer != "" {
		c.acks[req.NodeID] = req.HandshakePeer
	}

	if req.GenesisHash != "" && c.isPeerLocked(req.NodeID) {
		c.genesisHash = req.GenesisHash
	}

	c.advanceLocked()
}

// Reset returns the machine to pioneer. Administrative escape hatch for a
// failed bootstrap; refused once the network is live.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeNetwork {
		return errors.New("bootstrap is complete, refusing to reset a live network")
	}

	c.mode = ModePioneer
	c.peers = nil
	c.acks = make(map[string]string)
	c.genesisHash = ""

	log.Warn().Msg("Bootstrap state machine reset")
	return nil
}

// addPeerLocked appends a candidate to the ordered set. Caller holds the mutex.
func (c *Coordinator) addPeerLocked(nodeID string) {
	for _, id := range c.peers {
		if id == nodeID {
			return
		}
	}
	c.peers = append(c.peers, nodeID)
}

// isPeerLocked reports set membership. Caller holds the mutex.
func (c *Coordinator) isPeerLocked(nodeID string) bool {
	for _, id := range c.peers {
		if id == nodeID {
			return true
		}
	}
	return false
}

// advanceLocked applies every transition whose condition holds, in order.
// Transitions are one-way; a condition turning false later never regresses
// the mode. Caller holds the mutex.
func (c *Coordinator) advanceLocked() {
	if c.mode == ModePioneer && len(c.peers) >= 2 {
		c.mode = ModeDiscovery
		log.Info().Strs("peers", c.peers).Msg("Second pioneer discovered, advertising peers to each other")
	}

	if c.mode == ModeDiscovery && c.handshakeCompleteLocked() {
		c.mode = ModeGenesis
		log.Info().Msg("Pioneer handshake complete, awaiting genesis block")
	}

	if c.mode == ModeGenesis && c.genesisHash != "" {
		c.mode = ModeNetwork
		log.Info().Str("genesis_hash", c.genesisHash).Msg("Genesis block committed, network is live")
	}
}

// handshakeCompleteLocked reports whether two discovered peers have mutually
// acknowledged each other. Caller holds the mutex.
func (c *Coordinator) handshakeCompleteLocked() bool {
	for _, a := range c.peers {
		for _, b := range c.peers {
			if a == b {
				continue
			}
			if c.acks[a] == b && c.acks[b] == a {
				return true
			}
		}
	}
	return false
}
