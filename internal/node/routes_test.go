package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/peerlink/internal/accounts"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
	"github.com/danmuck/peerlink/internal/transport"
)

func get(t *testing.T, n *Node, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	n.HTTPRouter().ServeHTTP(rec, req)
	return rec
}

func TestStatusRoute(t *testing.T) {
	testlog.Start(t)
	net := transport.NewMemoryNetwork()
	startNode(t, net, serverID, accounts.NewMemoryStore())
	client := startNode(t, net, "peer.a", nil)
	if _, err := client.RegisterAndConnect(context.Background(), serverID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	rec := get(t, client, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code got=%d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.ID != "peer.a" || st.Connected != 1 || st.Phase != PhaseRunning {
		t.Fatalf("unexpected status got=%+v", st)
	}
}

func TestSessionRoutes(t *testing.T) {
	testlog.Start(t)
	net := transport.NewMemoryNetwork()
	startNode(t, net, serverID, accounts.NewMemoryStore())
	client := startNode(t, net, "peer.a", nil)
	if _, err := client.RegisterAndConnect(context.Background(), serverID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if rec := get(t, client, "/sessions/server.alpha"); rec.Code != http.StatusOK {
		t.Fatalf("known session code got=%d", rec.Code)
	}
	if rec := get(t, client, "/sessions/peer.zz"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session code got=%d", rec.Code)
	}
	if rec := get(t, client, "/sessions/Bad..Id"); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid id code got=%d", rec.Code)
	}
	if rec := get(t, client, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics code got=%d", rec.Code)
	}
}

func TestDeleteSessionRequiresAdminToken(t *testing.T) {
	testlog.Start(t)
	net := transport.NewMemoryNetwork()
	startNode(t, net, serverID, accounts.NewMemoryStore())

	cfg := testConfig("peer.a")
	cfg.AdminToken = "s3cret"
	client, err := New(cfg, net.Endpoint("peer.a", nil), kernel.AcceptListener{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()
	waitFor(t, "running peer.a", func() bool { return client.Phase() == PhaseRunning })
	if _, err := client.RegisterAndConnect(ctx, serverID, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	del := func(token string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/sessions/server.alpha", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		client.HTTPRouter().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := del(""); code != http.StatusUnauthorized {
		t.Fatalf("delete without token code got=%d", code)
	}
	if !client.connected(serverID) {
		t.Fatalf("unauthorized delete tore down the session")
	}
	if code := del("s3cret"); code != http.StatusOK {
		t.Fatalf("delete with token code got=%d", code)
	}
	waitFor(t, "teardown of server.alpha", func() bool { return !client.connected(serverID) })
}
