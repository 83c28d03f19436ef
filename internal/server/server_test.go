package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/poaipnet/beacon/internal/bootstrap"
	"github.com/poaipnet/beacon/internal/config"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/poaipnet/beacon/internal/monitor"
	"github.com/poaipnet/beacon/internal/netmap"
	"github.com/poaipnet/beacon/internal/registry"
	"github.com/poaipnet/beacon/internal/reputation"
)

const (
	testAgent  = "PoAIPWallet/1.0"
	testToken  = "test-admin-token"
	testSecret = "test-map-secret"
)

type testEnv struct {
	handler    http.Handler
	codec      *netmap.AESCodec
	reputation *reputation.Store
	bootstrap  *bootstrap.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server = config.Server{
		AdminToken:     testToken,
		AllowedAgents:  []string{testAgent},
		MaxBodySize:    65536,
		RequestTimeout: 5 * time.Second,
	}
	cfg.RateLimit = config.RateLimit{
		GlobalCount:     30,
		GlobalWindow:    time.Minute,
		RegisterPerMin:  5,
		KeepalivePerMin: 60,
		MapPerMin:       10,
		HealthPerMin:    10,
		DefaultPerMin:   20,
		SuspicionLimit:  5,
	}
	cfg.Registry = config.Registry{
		KeepaliveTTL:  5 * time.Minute,
		EvictGrace:    24 * time.Hour,
		EvictInterval: time.Hour,
	}
	cfg.Map = config.Map{Secret: testSecret, DefaultLimit: 25, MaxLimit: 50}
	cfg.Monitor = config.Monitor{
		EvalInterval:     30 * time.Second,
		ResourceInterval: time.Minute,
		ErrorRateWarn:    0.05,
		ErrorRateCrit:    0.10,
		LatencyWarn:      2 * time.Second,
		LatencyCrit:      5 * time.Second,
		ResourceWarn:     70,
		ResourceCrit:     90,
	}

	rep, err := reputation.NewStore(cfg.RateLimit.SuspicionLimit, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	codec, err := netmap.NewAESCodec(testSecret)
	if err != nil {
		t.Fatalf("NewAESCodec: %v", err)
	}

	reg := registry.New(cfg.Registry.KeepaliveTTL, nil)
	maps := netmap.NewBuilder(reg, codec, cfg.Map.DefaultLimit, cfg.Map.MaxLimit)
	boot := bootstrap.New()
	mon := monitor.New(cfg.Monitor, nil)

	srv := New(reg, rep, maps, boot, mon, cfg)

	return &testEnv{
		handler:    srv.Run(),
		codec:      codec,
		reputation: rep,
		bootstrap:  boot,
	}
}

type reqOpt func(*http.Request)

func fromIP(ip string) reqOpt {
	return func(r *http.Request) { r.RemoteAddr = ip + ":51820" }
}

func withAgent(ua string) reqOpt {
	return func(r *http.Request) { r.Header.Set("User-Agent", ua) }
}

func withToken(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", testAgent)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:51820"
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func nodeID(c byte) string {
	return "wlt" + strings.Repeat(string(c), 40)
}

func registerBody(id string, lat, lon float64) models.RegisterRequest {
	return models.RegisterRequest{
		NodeID:    id,
		PublicIP:  "198.51.100.10",
		Port:      9735,
		Latitude:  lat,
		Longitude: lon,
		OSInfo:    "linux",
		NodeType:  models.NodeTypeRegular,
		PublicKey: "pubkey",
		Signature: base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
	}
}

func (e *testEnv) decodePeers(t *testing.T, rec *httptest.ResponseRecorder) []models.PeerEndpoint {
	t.Helper()

	var payload models.MapPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	plaintext, err := e.codec.Decrypt(payload.EncryptedData)
	if err != nil {
		t.Fatalf("decrypt payload: %v", err)
	}

	var peers []models.PeerEndpoint
	if err := json.Unmarshal(plaintext, &peers); err != nil {
		t.Fatalf("unmarshal peers: %v", err)
	}

	return peers
}

func TestRegisterThenNetworkMap(t *testing.T) {
	e := newTestEnv(t)

	// Node A near Madrid, node B near Barcelona
	recA := e.do(t, http.MethodPost, "/api/v1/register", registerBody(nodeID('a'), 40.4, -3.7))
	if recA.Code != http.StatusOK {
		t.Fatalf("register A: status %d, body %s", recA.Code, recA.Body)
	}
	recB := e.do(t, http.MethodPost, "/api/v1/register", registerBody(nodeID('b'), 41.0, 2.2), fromIP("192.0.2.2"))
	if recB.Code != http.StatusOK {
		t.Fatalf("register B: status %d, body %s", recB.Code, recB.Body)
	}

	rec := e.do(t, http.MethodPost, "/api/v1/network-map", models.NetworkMapRequest{
		RequesterLatitude:  40.5,
		RequesterLongitude: -3.6,
		Limit:              1,
	}, fromIP("192.0.2.3"))
	if rec.Code != http.StatusOK {
		t.Fatalf("network-map: status %d, body %s", rec.Code, rec.Body)
	}

	peers := e.decodePeers(t, rec)
	if len(peers) != 1 || peers[0].NodeID != nodeID('a') {
		t.Fatalf("peers = %+v, want only the closer node A", peers)
	}
}

func TestRegisterValidationErrors(t *testing.T) {
	e := newTestEnv(t)

	bad := registerBody(nodeID('a'), 95.0, 0)
	rec := e.do(t, http.MethodPost, "/api/v1/register", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["code"] != models.CodeInvalidCoordinates {
		t.Errorf("code = %s, want INVALID_COORDINATES", resp["code"])
	}
}

func TestKeepalive(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/keepalive", models.KeepaliveRequest{NodeID: nodeID('z')})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("keepalive unknown: status = %d, want 404", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, "/api/v1/register", registerBody(nodeID('a'), 1, 1)); rec.Code != http.StatusOK {
		t.Fatalf("register: status %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/keepalive", models.KeepaliveRequest{NodeID: nodeID('a')})
	if rec.Code != http.StatusOK {
		t.Fatalf("keepalive: status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	e := newTestEnv(t)

	// The global per-IP ceiling is 30 per minute; a burst of keepalives
	// from one IP must start drawing 429s
	got429 := false
	for i := 0; i < 35; i++ {
		rec := e.do(t, http.MethodPost, "/api/v1/keepalive", models.KeepaliveRequest{NodeID: nodeID('z')})
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}

	if !got429 {
		t.Fatal("no 429 after 35 rapid requests from one IP")
	}
}

func TestEndpointRateLimit(t *testing.T) {
	e := newTestEnv(t)

	// register has the strictest per-endpoint ceiling (5/min), well below
	// the global one
	statuses := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		rec := e.do(t, http.MethodPost, "/api/v1/register", registerBody(nodeID('a'), 1, 1))
		statuses = append(statuses, rec.Code)
	}

	for _, code := range statuses[:5] {
		if code != http.StatusOK {
			t.Fatalf("statuses = %v, first five should pass", statuses)
		}
	}
	if statuses[5] != http.StatusTooManyRequests {
		t.Fatalf("statuses = %v, sixth register should be rate limited", statuses)
	}
}

func TestInvalidUserAgentAutoBlacklist(t *testing.T) {
	e := newTestEnv(t)
	ip := "198.51.100.99"

	for i := 0; i < 6; i++ {
		rec := e.do(t, http.MethodGet, "/api/v1/health", nil, fromIP(ip), withAgent("curl/8.0"))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("invalid UA request %d: status = %d, want 403", i+1, rec.Code)
		}
	}

	// Blacklisted now: even a valid User-Agent is rejected as IP_BLOCKED
	rec := e.do(t, http.MethodGet, "/api/v1/health", nil, fromIP(ip))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 after auto-blacklist", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["code"] != models.CodeIPBlocked {
		t.Errorf("code = %s, want IP_BLOCKED", resp["code"])
	}

	// Whitelisting clears the blacklist and immediately permits traffic
	e.reputation.Whitelist(ip)
	rec = e.do(t, http.MethodGet, "/api/v1/health", nil, fromIP(ip))
	if rec.Code != http.StatusOK {
		t.Fatalf("status after whitelist = %d, want 200", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", resp["status"])
	}
	if _, ok := resp["version"]; !ok {
		t.Error("health response missing version")
	}
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)

	// A little traffic first
	e.do(t, http.MethodPost, "/api/v1/register", registerBody(nodeID('a'), 1, 1))

	rec := e.do(t, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp models.StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.TotalRequestsLastHour < 1 {
		t.Errorf("total_requests_last_hour = %d, want at least 1", resp.TotalRequestsLastHour)
	}
}

func TestAdminAuth(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodGet, "/admin/stats", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin: status = %d, want 401", rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/admin/stats", nil, withToken(testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin stats: status = %d, body %s", rec.Code, rec.Body)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := resp["bootstrap"]; !ok {
		t.Error("admin stats missing bootstrap state")
	}
}

func TestAdminUnblock(t *testing.T) {
	e := newTestEnv(t)
	ip := "198.51.100.50"

	e.reputation.Blacklist(ip, "operator test")
	if rec := e.do(t, http.MethodGet, "/api/v1/health", nil, fromIP(ip)); rec.Code != http.StatusForbidden {
		t.Fatalf("blacklisted request: status = %d, want 403", rec.Code)
	}

	rec := e.do(t, http.MethodPost, "/admin/unblock/"+ip, nil, withToken(testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock: status = %d, body %s", rec.Code, rec.Body)
	}

	if rec := e.do(t, http.MethodGet, "/api/v1/health", nil, fromIP(ip)); rec.Code != http.StatusOK {
		t.Fatalf("status after unblock = %d, want 200", rec.Code)
	}
}

func TestBootstrapDrivenByRegistration(t *testing.T) {
	e := newTestEnv(t)

	first := registerBody(nodeID('a'), 1, 1)
	first.NodeType = models.NodeTypeGenesis
	first.WalletAddress = "addr-a"
	first.MiningModel = "model-7b"
	if rec := e.do(t, http.MethodPost, "/api/v1/register", first); rec.Code != http.StatusOK {
		t.Fatalf("register first pioneer: %d", rec.Code)
	}
	if got := e.bootstrap.Mode(); got != bootstrap.ModePioneer {
		t.Fatalf("mode = %s, want pioneer", got)
	}

	second := registerBody(nodeID('b'), 2, 2)
	second.NodeType = models.NodeTypeGenesis
	second.WalletAddress = "addr-b"
	second.MiningModel = "model-7b"
	if rec := e.do(t, http.MethodPost, "/api/v1/register", second, fromIP("192.0.2.7")); rec.Code != http.StatusOK {
		t.Fatalf("register second pioneer: %d", rec.Code)
	}
	if got := e.bootstrap.Mode(); got != bootstrap.ModeDiscovery {
		t.Fatalf("mode = %s, want discovery", got)
	}
}

func TestNetworkMapEmptyRegistry(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/network-map", models.NetworkMapRequest{
		RequesterLatitude:  10,
		RequesterLongitude: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for empty registry", rec.Code)
	}

	if peers := e.decodePeers(t, rec); len(peers) != 0 {
		t.Errorf("peers = %+v, want empty", peers)
	}
}

func TestMalformedBody(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/register", strings.NewReader("{not json"))
	req.Header.Set("User-Agent", testAgent)
	req.RemoteAddr = "192.0.2.1:51820"

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEndpointIsolationBetweenIPs(t *testing.T) {
	e := newTestEnv(t)

	// One abusive IP must not consume another IP's budget
	for i := 0; i < 35; i++ {
		e.do(t, http.MethodPost, "/api/v1/keepalive", models.KeepaliveRequest{NodeID: nodeID('z')}, fromIP("203.0.113.66"))
	}

	rec := e.do(t, http.MethodGet, "/api/v1/health", nil, fromIP(fmt.Sprintf("203.0.113.%d", 77)))
	if rec.Code != http.StatusOK {
		t.Fatalf("clean IP status = %d, want 200", rec.Code)
	}
}
