// Package models defines the data structures used for API requests, registry
// records, and the error taxonomy shared by all components.
package models

import "time"

// Error codes returned to clients. Admission failures never reach business
// logic; validation failures carry one of these codes in the response body.
const (
	CodeInvalidClient      = "INVALID_CLIENT"
	CodeIPBlocked          = "IP_BLOCKED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidCoordinates = "INVALID_COORDINATES"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeUnknownNode        = "UNKNOWN_NODE"
	CodeInternal           = "INTERNAL"
)

// Node types accepted on registration.
const (
	NodeTypeGenesis   = "genesis"
	NodeTypeValidator = "validator"
	NodeTypeRegular   = "regular"
)

// CodedError pairs a machine-readable error code with a human message.
// It is safe to return to clients verbatim.
type CodedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	return e.Code + ": " + e.Message
}

// NewCodedError builds a client-facing error.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// RegisterRequest is the payload sent by a wallet node joining the network.
// The bootstrap fields (wallet_address, mining_model, handshake_peer,
// genesis_hash) are optional metadata that drive the genesis state machine.
type RegisterRequest struct {
	NodeID        string  `json:"node_id"`
	PublicIP      string  `json:"public_ip"`
	Port          int     `json:"port"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	OSInfo        string  `json:"os_info,omitempty"`
	NodeType      string  `json:"node_type"`
	PublicKey     string  `json:"public_key"`
	Signature     string  `json:"signature"`
	WalletAddress string  `json:"wallet_address,omitempty"`
	MiningModel   string  `json:"mining_model,omitempty"`
	HandshakePeer string  `json:"handshake_peer,omitempty"`
	GenesisHash   string  `json:"genesis_hash,omitempty"`
}

// KeepaliveRequest refreshes a node's liveness.
type KeepaliveRequest struct {
	NodeID string `json:"node_id"`
}

// NetworkMapRequest asks for the peer subset nearest to the requester.
type NetworkMapRequest struct {
	RequesterLatitude  float64 `json:"requester_latitude"`
	RequesterLongitude float64 `json:"requester_longitude"`
	Limit              int     `json:"limit,omitempty"`
}

// NodeRecord is one registered peer held by the registry. Status (active vs
// stale) is derived from LastSeen at read time, never stored.
type NodeRecord struct {
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
	NodeID        string    `json:"node_id"`
	PublicIP      string    `json:"public_ip"`
	OSInfo        string    `json:"os_info,omitempty"`
	NodeType      string    `json:"node_type"`
	PublicKey     string    `json:"public_key"`
	Signature     string    `json:"signature"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	MiningModel   string    `json:"mining_model,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Port          int       `json:"port"`
}

// PeerEndpoint is the minimal connection info disclosed to other peers
// inside the encrypted network-map payload.
type PeerEndpoint struct {
	NodeID    string  `json:"node_id"`
	PublicIP  string  `json:"public_ip"`
	Port      int     `json:"port"`
	NodeType  string  `json:"node_type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MapPayload is the network-map response. The peer endpoint list itself is
// carried inside EncryptedData so only genuine wallet clients can read it.
type MapPayload struct {
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	EncryptedData string    `json:"encrypted_data"`
	ActiveNodes   int       `json:"active_nodes"`
	GenesisNodes  int       `json:"genesis_nodes"`
}

// Alert is a raised monitoring condition. Active alerts expire after the
// retention window; every alert is also appended to the durable audit log.
type Alert struct {
	Timestamp    time.Time `json:"timestamp"`
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
}

// ReputationStats is the public summary of the IP reputation store.
type ReputationStats struct {
	BlockedIPs     int `json:"blocked_ips"`
	SuspiciousIPs  int `json:"suspicious_ips"`
	WhitelistedIPs int `json:"whitelisted_ips"`
	TrackedIPs     int `json:"tracked_ips"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	BlockedIPs            int `json:"blocked_ips"`
	SuspiciousIPs         int `json:"suspicious_ips"`
	ActiveConnections     int `json:"active_connections"`
	TotalRequestsLastHour int `json:"total_requests_last_hour"`
}
