package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/peerlink/internal/config"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigGenThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "owner.toml")
	out, err := execute(t, "config", "gen", "--kind", "group-owner", "--output", path)
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("gen output got=%q", out)
	}
	if _, err := execute(t, "config", "gen", "--kind", "group-owner", "--output", path); err == nil {
		t.Fatalf("expected refusal without --force")
	}
	out, err = execute(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "kernel=broadcast_group") {
		t.Fatalf("validate output got=%q", out)
	}
}

func TestVersion(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "version")
	if err != nil || strings.TrimSpace(out) != version {
		t.Fatalf("version got=%q err=%v", out, err)
	}
}

func TestRunNodeEmptyKernelCompletes(t *testing.T) {
	testlog.Start(t)
	cfg, err := config.Decode(`
id = "peer.solo"
listen_addr = "127.0.0.1:0"
accounts = "memory"
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runNode(ctx, cfg); err != nil {
		t.Fatalf("run node: %v", err)
	}
}

func TestRunNodeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg, err := config.Decode(`
id = "server.alpha"
listen_addr = "127.0.0.1:0"
[kernel]
kind = "accept_listener"
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runNode(ctx, cfg) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run node after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("node did not stop after cancel")
	}
}
