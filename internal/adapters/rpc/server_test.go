package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fusionlink/go-backend/internal/app"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

type fakeService struct {
	mu        sync.Mutex
	target    app.Target
	peerKey   string
	sendErr   error
	sent      []string
	resetFull bool
	snaps     []models.Snapshot
	live      chan models.Snapshot
}

func (f *fakeService) GenerateKeys(context.Context) (identity.KeyInfo, error) {
	return identity.KeyInfo{Fingerprint: "ab:cd"}, nil
}

func (f *fakeService) StartDiscovery(context.Context) ([]transport.ConnectionRecord, error) {
	return []transport.ConnectionRecord{{Kind: transport.KindWiFi, Address: "10.0.0.1:7000", Name: "fusion-1"}}, nil
}

func (f *fakeService) Connect(_ context.Context, target app.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
	return nil
}

func (f *fakeService) CancelConnect() {}
func (f *fakeService) Disconnect()    {}

func (f *fakeService) SetPeerKey(raw string) error {
	if len(raw) < 8 {
		return fmt.Errorf("%w: too short", identity.ErrInvalidKeyFormat)
	}
	f.peerKey = raw
	return nil
}

func (f *fakeService) SetPeerNodeID(string) error  { return nil }
func (f *fakeService) ApplyQRPayload([]byte) error { return nil }

func (f *fakeService) SendMessage(_ context.Context, text string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	msg := models.Message{Sequence: uint64(len(f.sent)), Sender: models.SenderLocal, Text: text, Status: models.StatusQueued}
	if f.sendErr != nil {
		return msg, f.sendErr
	}
	msg.Status = models.StatusSent
	return msg, nil
}

func (f *fakeService) MarkRead(seq uint64) error {
	if seq > 10 {
		return fmt.Errorf("%w: #%d", app.ErrUnknownMessage, seq)
	}
	return nil
}

func (f *fakeService) Reset(full bool) error {
	f.resetFull = full
	return nil
}

func (f *fakeService) Snapshot() models.Snapshot {
	return models.Snapshot{Seq: 7, Phase: models.PhaseDiscovering, LocalNodeID: "NODE-A"}
}

func (f *fakeService) Subscribe(fromSeq uint64) ([]models.Snapshot, <-chan models.Snapshot, func()) {
	var replay []models.Snapshot
	for _, s := range f.snaps {
		if s.Seq > fromSeq {
			replay = append(replay, s)
		}
	}
	return replay, f.live, func() {}
}

func (f *fakeService) LocalNodeID() string            { return "NODE-A" }
func (f *fakeService) PublicKeyText() (string, error) { return "pubkey", nil }
func (f *fakeService) QRPayload() (string, error)     { return `{"k":"pubkey"}`, nil }

func newTestServer(t *testing.T, token string) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{live: make(chan models.Snapshot, 4)}
	cfg := DefaultConfig()
	cfg.Token = token
	cfg.RateLimitRPS = 0
	srv := httptest.NewServer(NewServer(cfg, svc, nil).Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func call(t *testing.T, srv *httptest.Server, token, body string) (int, rpcResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthNeedsNoToken(t *testing.T) {
	_, srv := newTestServer(t, "secret")
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRPCRequiresToken(t *testing.T) {
	_, srv := newTestServer(t, "secret")
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	if status, _ := call(t, srv, "", body); status != http.StatusUnauthorized {
		t.Fatalf("without token status = %d", status)
	}
	for _, bad := range []string{"wrong", "secre", "secret2", "SECRET"} {
		if status, _ := call(t, srv, bad, body); status != http.StatusUnauthorized {
			t.Fatalf("token %q status = %d", bad, status)
		}
	}
	status, resp := call(t, srv, "secret", body)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("status = %d, error = %+v", status, resp.Error)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	req.Header.Set(tokenHeader, "secret")
	hr, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Fatalf("header token status = %d", hr.StatusCode)
	}
}

func TestForeignOriginIsRejected(t *testing.T) {
	_, srv := newTestServer(t, "")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"health_check"}`))
	req.Header.Set("Origin", "https://evil.example")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if !isAllowedOrigin("http://localhost:5173") {
		t.Fatal("localhost origin must be allowed")
	}
}

func TestProtocolErrors(t *testing.T) {
	_, srv := newTestServer(t, "")
	cases := []struct {
		name string
		body string
		code int
	}{
		{"parse", `{"jsonrpc":`, -32700},
		{"version", `{"jsonrpc":"1.0","id":1,"method":"health_check"}`, -32600},
		{"trailing", `{"jsonrpc":"2.0","id":1,"method":"health_check"} {}`, -32600},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, -32601},
		{"unknown param", `{"jsonrpc":"2.0","id":1,"method":"chat.send","params":{"body":"x"}}`, -32602},
		{"bad kind", `{"jsonrpc":"2.0","id":1,"method":"transport.connect","params":{"kind":"lora","address":"x"}}`, -32602},
		{"zero seq", `{"jsonrpc":"2.0","id":1,"method":"chat.markRead","params":{}}`, -32602},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp := call(t, srv, "", tc.body)
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("error = %+v, want code %d", resp.Error, tc.code)
			}
		})
	}
}

func TestDispatchReachesService(t *testing.T) {
	svc, srv := newTestServer(t, "")

	_, resp := call(t, srv, "", `{"jsonrpc":"2.0","id":1,"method":"transport.connect","params":{"kind":"wifi","address":"10.0.0.1:7000"}}`)
	if resp.Error != nil {
		t.Fatalf("connect error: %+v", resp.Error)
	}
	if svc.target.Kind != transport.KindWiFi || svc.target.Address != "10.0.0.1:7000" {
		t.Fatalf("target = %+v", svc.target)
	}

	_, resp = call(t, srv, "", `{"jsonrpc":"2.0","id":2,"method":"chat.send","params":{"text":"hi"}}`)
	if resp.Error != nil {
		t.Fatalf("send error: %+v", resp.Error)
	}
	if len(svc.sent) != 1 || svc.sent[0] != "hi" {
		t.Fatalf("sent = %v", svc.sent)
	}

	_, resp = call(t, srv, "", `{"jsonrpc":"2.0","id":3,"method":"state.reset","params":{"full":true}}`)
	if resp.Error != nil || !svc.resetFull {
		t.Fatalf("reset error = %+v, full = %v", resp.Error, svc.resetFull)
	}

	_, resp = call(t, srv, "", `{"jsonrpc":"2.0","id":4,"method":"discovery.start"}`)
	records, ok := resp.Result.([]any)
	if resp.Error != nil || !ok || len(records) != 1 {
		t.Fatalf("discovery result = %#v, error = %+v", resp.Result, resp.Error)
	}
}

func TestServiceErrorsCarryCategory(t *testing.T) {
	svc, srv := newTestServer(t, "")

	_, resp := call(t, srv, "", `{"jsonrpc":"2.0","id":1,"method":"peer.setKey","params":{"key":"abc"}}`)
	if resp.Error == nil || resp.Error.Code != -32002 {
		t.Fatalf("error = %+v, want invalid key format", resp.Error)
	}
	data, _ := resp.Error.Data.(map[string]any)
	if data["category"] != string(models.ErrorInvalidKeyFormat) {
		t.Fatalf("data = %#v", resp.Error.Data)
	}

	_, resp = call(t, srv, "", `{"jsonrpc":"2.0","id":2,"method":"chat.markRead","params":{"seq":99}}`)
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("mark read error = %+v", resp.Error)
	}

	svc.sendErr = fmt.Errorf("%w: link down", transport.ErrNotConnected)
	_, resp = call(t, srv, "", `{"jsonrpc":"2.0","id":3,"method":"chat.send","params":{"text":"later"}}`)
	if resp.Error == nil || resp.Error.Code != -32010 {
		t.Fatalf("send error = %+v, want not connected", resp.Error)
	}
	data, _ = resp.Error.Data.(map[string]any)
	queued, _ := data["message"].(map[string]any)
	if queued == nil || queued["status"] != string(models.StatusQueued) {
		t.Fatalf("queued message missing from error data: %#v", resp.Error.Data)
	}
}

func TestStreamReplaysFromCursorThenFollows(t *testing.T) {
	svc, srv := newTestServer(t, "")
	svc.snaps = []models.Snapshot{{Seq: 1}, {Seq: 2}, {Seq: 3}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rpc/stream?cursor=1", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	svc.live <- models.Snapshot{Seq: 4, Phase: models.PhaseSecureChat}

	var ids []string
	sc := bufio.NewScanner(resp.Body)
	for len(ids) < 3 && sc.Scan() {
		if id, ok := strings.CutPrefix(sc.Text(), "id: "); ok {
			ids = append(ids, id)
		}
	}
	if strings.Join(ids, ",") != "2,3,4" {
		t.Fatalf("event ids = %v, want 2,3,4", ids)
	}
}

func TestStreamRejectsBadCursor(t *testing.T) {
	_, srv := newTestServer(t, "")
	resp, err := srv.Client().Get(srv.URL + "/rpc/stream?cursor=-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStreamLimiter(t *testing.T) {
	l := newStreamLimiter(2, 1)
	releaseA, ok := l.acquire("a")
	if !ok {
		t.Fatal("first stream for a denied")
	}
	if _, ok := l.acquire("a"); ok {
		t.Fatal("second stream for a allowed past per-client limit")
	}
	if _, ok := l.acquire("b"); !ok {
		t.Fatal("stream for b denied")
	}
	if _, ok := l.acquire("c"); ok {
		t.Fatal("global limit not enforced")
	}
	releaseA()
	if _, ok := l.acquire("c"); !ok {
		t.Fatal("release did not free a slot")
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	svc := &fakeService{}
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	srv := httptest.NewServer(NewServer(cfg, svc, nil).Handler())
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	if status, _ := call(t, srv, "", body); status != http.StatusOK {
		t.Fatalf("first status = %d", status)
	}
	if status, _ := call(t, srv, "", body); status != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", status)
	}
}
