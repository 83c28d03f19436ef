package registry

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/poaipnet/beacon/internal/models"
)

var testSignature = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func validRequest(id string) models.RegisterRequest {
	return models.RegisterRequest{
		NodeID:    "wlt" + strings.Repeat(id, 40/len(id)),
		PublicIP:  "198.51.100.7",
		Port:      9735,
		Latitude:  40.4,
		Longitude: -3.7,
		OSInfo:    "linux",
		NodeType:  models.NodeTypeRegular,
		PublicKey: "pubkey",
		Signature: testSignature,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(5*time.Minute, nil)

	tests := []struct {
		name     string
		mutate   func(*models.RegisterRequest)
		wantCode string
	}{
		{"bad prefix", func(q *models.RegisterRequest) { q.NodeID = "abc" + strings.Repeat("a", 40) }, models.CodeInvalidFormat},
		{"short id", func(q *models.RegisterRequest) { q.NodeID = "wlt1234" }, models.CodeInvalidFormat},
		{"non-hex id", func(q *models.RegisterRequest) { q.NodeID = "wlt" + strings.Repeat("z", 40) }, models.CodeInvalidFormat},
		{"bad node type", func(q *models.RegisterRequest) { q.NodeType = "miner" }, models.CodeInvalidFormat},
		{"port zero", func(q *models.RegisterRequest) { q.Port = 0 }, models.CodeInvalidFormat},
		{"lat out of range", func(q *models.RegisterRequest) { q.Latitude = 95 }, models.CodeInvalidCoordinates},
		{"lon out of range", func(q *models.RegisterRequest) { q.Longitude = -200 }, models.CodeInvalidCoordinates},
		{"empty signature", func(q *models.RegisterRequest) { q.Signature = "" }, models.CodeInvalidSignature},
		{"garbage signature", func(q *models.RegisterRequest) { q.Signature = "!!not-base64!!" }, models.CodeInvalidSignature},
		{"missing public key", func(q *models.RegisterRequest) { q.PublicKey = "" }, models.CodeInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("a")
			tt.mutate(&req)

			_, err := r.Register(req)
			var coded *models.CodedError
			if !errors.As(err, &coded) {
				t.Fatalf("Register error = %v, want CodedError", err)
			}
			if coded.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", coded.Code, tt.wantCode)
			}
		})
	}

	if _, err := r.Register(validRequest("a")); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestRegisterIdempotentUpsert(t *testing.T) {
	r := New(5*time.Minute, nil)

	req := validRequest("b")
	first, err := r.Register(req)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}

	req.OSInfo = "windows"
	req.Port = 4000
	second, err := r.Register(req)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}

	if r.Size() != 1 {
		t.Fatalf("registry size = %d, want 1", r.Size())
	}
	if second.OSInfo != "windows" || second.Port != 4000 {
		t.Errorf("fields not refreshed: %+v", second)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Error("re-registration changed registered_at")
	}
	if second.LastSeen.Before(first.LastSeen) {
		t.Error("last_seen not refreshed")
	}
}

func TestKeepalive(t *testing.T) {
	r := New(5*time.Minute, nil)

	err := r.Keepalive("wlt" + strings.Repeat("c", 40))
	var coded *models.CodedError
	if !errors.As(err, &coded) || coded.Code != models.CodeUnknownNode {
		t.Fatalf("keepalive for unknown node = %v, want UNKNOWN_NODE", err)
	}

	rec, err := r.Register(validRequest("c"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Keepalive(rec.NodeID); err != nil {
		t.Fatalf("keepalive: %v", err)
	}

	after, _ := r.Lookup(rec.NodeID)
	if after.LastSeen.Before(rec.LastSeen) {
		t.Error("keepalive did not refresh last_seen")
	}
}

func TestActiveNodesLazyStaleness(t *testing.T) {
	r := New(50*time.Millisecond, nil)

	if _, err := r.Register(validRequest("d")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := len(r.ActiveNodes()); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}

	time.Sleep(80 * time.Millisecond)

	// Stale: excluded from active view but retained for audit
	if got := len(r.ActiveNodes()); got != 0 {
		t.Errorf("active after TTL = %d, want 0", got)
	}
	if r.Size() != 1 {
		t.Errorf("stale node was deleted, want retention until eviction")
	}
}

func TestEvictStale(t *testing.T) {
	r := New(10*time.Millisecond, nil)

	if _, err := r.Register(validRequest("e")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if n := r.EvictStale(time.Hour); n != 0 {
		t.Fatalf("evicted %d fresh nodes", n)
	}

	time.Sleep(30 * time.Millisecond)

	if n := r.EvictStale(20 * time.Millisecond); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if r.Size() != 0 {
		t.Errorf("size after eviction = %d, want 0", r.Size())
	}
}

type rejectAll struct{}

func (rejectAll) Verify(models.RegisterRequest) error {
	return errors.New("signature does not match public key")
}

func TestExternalVerifier(t *testing.T) {
	r := New(5*time.Minute, rejectAll{})

	_, err := r.Register(validRequest("f"))
	var coded *models.CodedError
	if !errors.As(err, &coded) || coded.Code != models.CodeInvalidSignature {
		t.Fatalf("err = %v, want INVALID_SIGNATURE from verifier", err)
	}
}
