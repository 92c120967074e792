package config

import (
	"fmt"
	"os"

	"github.com/danmuck/peerlink/internal/accounts"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/node"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/transport"
)

// Node returns the runtime config of the node itself.
func (c NodeConfig) Node() node.Config {
	return node.Config{
		ID:            c.ID,
		Alias:         c.Alias,
		Server:        c.Server,
		Session:       c.Session,
		MaxConcurrent: c.MaxConcurrent,
		SetDeadline:   c.SetDeadline,
		MailboxSize:   c.MailboxSize,
		AdminAddr:     c.AdminAddr,
		CorsOrigins:   c.CorsOrigins,
		AdminToken:    c.AdminToken,
	}
}

// TCPConfig builds the transport config. The server and every [[peers]]
// entry become dial addresses.
func (c NodeConfig) TCPConfig(store accounts.Store) transport.TCPConfig {
	peers := make(map[identity.ID]string, len(c.Peers)+1)
	if c.Server != "" && c.ServerAddr != "" {
		peers[c.Server] = c.ServerAddr
	}
	for _, p := range c.Peers {
		peers[p.ID] = p.Addr
	}
	return transport.TCPConfig{
		Local:         c.ID,
		ListenAddr:    c.ListenAddr,
		AdvertiseAddr: c.AdvertiseAddr,
		Peers:         peers,
		Session:       c.Session,
		Store:         store,
	}
}

func (c NodeConfig) KernelSpec() kernel.Spec {
	aliases := make(map[identity.ID]string, len(c.Peers))
	for _, p := range c.Peers {
		aliases[p.ID] = p.Alias
	}
	targets := make([]peerset.Target, 0, len(c.Kernel.Peers))
	for _, id := range c.Kernel.Peers {
		targets = append(targets, peerset.Target{ID: id, Alias: aliases[id]})
	}
	return kernel.Spec{
		Kind:               c.Kernel.Kind,
		Server:             c.Server,
		Alias:              aliases[c.Server],
		MaxConnectAttempts: c.Kernel.MaxConnectAttempts,
		Backoff:            c.Session.Backoff,
		Peers:              targets,
		RequireAll:         c.Kernel.RequireAll,
		Group:              c.Kernel.Group,
		Owner:              c.Kernel.Owner,
		GroupRequest:       c.Kernel.GroupRequest,
		AcceptLimit:        c.Kernel.AcceptLimit,
	}
}

// OpenAccounts opens the registration store selected by Accounts. A nil
// store accepts every identity.
func (c NodeConfig) OpenAccounts() (accounts.Store, error) {
	switch c.Accounts {
	case AccountsMemory:
		return accounts.NewMemoryStore(), nil
	case AccountsBolt:
		if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("accounts data dir %s: %w", c.DataDir, err)
		}
		store, err := accounts.OpenBolt(c.DataDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}
