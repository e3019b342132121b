package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func relayConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Log.Level = "warn"
	cfg.Relay.ListenAddr = freeAddr(t)
	cfg.Relay.JWTSecret = "s3cret"
	return cfg
}

func TestNormalizeLocalAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8790", NormalizeLocalAddr(":8790"))
	assert.Equal(t, "127.0.0.1:8790", NormalizeLocalAddr("0.0.0.0:8790"))
	assert.Equal(t, "10.0.0.1:1", NormalizeLocalAddr(" 10.0.0.1:1 "))
}

func TestPeerConfig(t *testing.T) {
	ice := config.Default().ICE
	ice.Servers = append(ice.Servers, config.ICEServer{URLs: []string{"turn:t.example"}, Username: "u", Credential: "p"})
	pc := peerConfig(ice)
	require.Len(t, pc.ICEServers, 2)
	assert.Equal(t, "u", pc.ICEServers[1].Username)
	assert.Equal(t, 5*time.Second, pc.DisconnectedTimeout)
	assert.Equal(t, 25*time.Second, pc.FailedTimeout)
	assert.Equal(t, 3*time.Second, pc.PLIInterval)
}

func TestMintToken(t *testing.T) {
	cfg := relayConfig(t)
	now := time.Now()
	tok, err := MintToken(cfg, "alice", "Alice", "", now)
	require.NoError(t, err)

	tokens, err := relay.NewTokens(cfg.Relay.JWTSecret, cfg.Relay.JWTIssuer, time.Hour)
	require.NoError(t, err)
	id, err := tokens.Verify(tok, now)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = MintToken(cfg, "a b", "", "", now)
	assert.Error(t, err)
	cfg.Relay.JWTSecret = ""
	_, err = MintToken(cfg, "alice", "", "", now)
	assert.ErrorIs(t, err, relay.ErrMissingSecret)
}

func TestRunPeerRequiresUserID(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "warn"
	err := RunPeer(context.Background(), Options{Dir: t.TempDir(), Cfg: cfg})
	assert.ErrorContains(t, err, "identity.user_id")
}

func TestRunRelayServesUntilCancelled(t *testing.T) {
	cfg := relayConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, Options{Dir: t.TempDir(), Cfg: cfg}) }()

	require.NoError(t, WaitTCP(cfg.Relay.ListenAddr, 3*time.Second))
	resp, err := http.Get("http://" + cfg.Relay.ListenAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}

// TestEndToEndCall runs a relay and two peers with synthetic media and
// places a call through the control API.
func TestEndToEndCall(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end call skipped in short mode")
	}
	rcfg := relayConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = RunRelay(ctx, Options{Dir: t.TempDir(), Cfg: rcfg}) }()
	require.NoError(t, WaitTCP(rcfg.Relay.ListenAddr, 3*time.Second))

	startPeer := func(user string) string {
		dir := t.TempDir()
		cfg := config.Default()
		cfg.Log.Level = "warn"
		cfg.Identity.UserID = user
		tok, err := MintToken(rcfg, user, user, "", time.Now())
		require.NoError(t, err)
		cfg.Identity.Token = tok
		cfg.Signaling.URL = "ws://" + rcfg.Relay.ListenAddr + "/ws"
		cfg.Media.Capture = config.CaptureSynthetic
		cfg.ICE.Servers = nil
		cfg.API.HTTPAddr = freeAddr(t)
		go func() {
			_ = RunPeer(ctx, Options{Dir: dir, CfgPath: filepath.Join(dir, config.FileName), Cfg: cfg})
		}()
		require.NoError(t, WaitTCP(cfg.API.HTTPAddr, 3*time.Second))
		return "http://" + cfg.API.HTTPAddr
	}
	alice := startPeer("alice")
	bob := startPeer("bob")

	post := func(base, path string, body any) int {
		b, _ := json.Marshal(body)
		resp, err := http.Post(base+path, "application/json", bytes.NewReader(b))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	current := func(base string) (call.Snapshot, bool) {
		resp, err := http.Get(base + "/api/call/current")
		if err != nil {
			return call.Snapshot{}, false
		}
		defer resp.Body.Close()
		var snap call.Snapshot
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return call.Snapshot{}, false
		}
		return snap, true
	}
	status := func(base string) call.Status {
		snap, _ := current(base)
		return snap.Status
	}

	// Both peers need a live relay link before the call is placed.
	probe, err := MintToken(rcfg, "probe", "", "", time.Now())
	require.NoError(t, err)
	online := func(user string) bool {
		req, _ := http.NewRequest(http.MethodGet, "http://"+rcfg.Relay.ListenAddr+"/api/users/"+user+"/online", nil)
		req.Header.Set("Authorization", "Bearer "+probe)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct{ Online bool }
		return json.NewDecoder(resp.Body).Decode(&body) == nil && body.Online
	}
	require.Eventually(t, func() bool { return online("alice") && online("bob") }, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return post(alice, "/api/call/initiate", map[string]string{"recipientId": "bob", "callType": "video"}) == http.StatusOK
	}, 5*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool { return status(bob) == call.StatusIncoming }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, http.StatusOK, post(bob, "/api/call/accept", nil))

	connected := func() bool { return status(alice) == call.StatusConnected && status(bob) == call.StatusConnected }
	require.Eventually(t, connected, 20*time.Second, 50*time.Millisecond)

	require.Equal(t, http.StatusOK, post(alice, "/api/call/end", nil))
	for _, base := range []string{alice, bob} {
		require.Eventually(t, func() bool {
			resp, err := http.Get(base + "/api/calls")
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			var page struct {
				Calls []struct{ Status string } `json:"calls"`
			}
			return json.NewDecoder(resp.Body).Decode(&page) == nil &&
				len(page.Calls) == 1 && page.Calls[0].Status == string(call.EndCompleted)
		}, 5*time.Second, 50*time.Millisecond, fmt.Sprintf("history at %s", base))
	}
}
