// Package config loads the immutable snapshot a peerlink node is built from.
//
// Files are TOML. Every key is optional: Load starts from DefaultNodeConfig
// and overlays only the keys the file defines.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

// Accounts backends answering registrations.
const (
	AccountsNone   = "none"
	AccountsMemory = "memory"
	AccountsBolt   = "bolt"
)

// PeerConfig is one identity the node knows how to dial.
type PeerConfig struct {
	ID    identity.ID
	Alias string
	Addr  string
}

// KernelConfig selects the kernel the node runs.
type KernelConfig struct {
	Kind               kernel.Kind
	MaxConnectAttempts int
	// Peers are the targets of a peer mesh, by id.
	Peers        []identity.ID
	RequireAll   bool
	Group        string
	Owner        identity.ID
	GroupRequest session.GroupInitRequestType
	AcceptLimit  int
}

// NodeConfig is the resolved configuration of one node.
type NodeConfig struct {
	ID            identity.ID
	Alias         string
	Server        identity.ID
	ServerAddr    string
	ListenAddr    string
	AdvertiseAddr string
	AdminAddr     string
	CorsOrigins   []string
	AdminToken    string
	DataDir       string
	Accounts      string
	MaxConcurrent int
	SetDeadline   time.Duration
	MailboxSize   int
	Peers         []PeerConfig
	Kernel        KernelConfig
	Session       session.Config
}

type peerFile struct {
	ID    string `toml:"id"`
	Alias string `toml:"alias,omitempty"`
	Addr  string `toml:"addr"`
}

type kernelFile struct {
	Kind               string   `toml:"kind"`
	MaxConnectAttempts int      `toml:"max_connect_attempts,omitempty"`
	Peers              []string `toml:"peers,omitempty"`
	RequireAll         bool     `toml:"require_all,omitempty"`
	Group              string   `toml:"group,omitempty"`
	Owner              string   `toml:"owner,omitempty"`
	Request            string   `toml:"request,omitempty"`
	AcceptLimit        int      `toml:"accept_limit,omitempty"`
}

// fileConfig is the on-disk key mapping.
type fileConfig struct {
	ID                  string     `toml:"id"`
	Alias               string     `toml:"alias,omitempty"`
	Server              string     `toml:"server,omitempty"`
	ServerAddr          string     `toml:"server_addr,omitempty"`
	ListenAddr          string     `toml:"listen_addr,omitempty"`
	AdvertiseAddr       string     `toml:"advertise_addr,omitempty"`
	AdminAddr           string     `toml:"admin_addr,omitempty"`
	CorsOrigins         []string   `toml:"cors_origins,omitempty"`
	AdminToken          string     `toml:"admin_token,omitempty"`
	DataDir             string     `toml:"data_dir,omitempty"`
	Accounts            string     `toml:"accounts,omitempty"`
	MaxConcurrent       int        `toml:"max_concurrent,omitempty"`
	SetDeadline         string     `toml:"set_deadline,omitempty"`
	MailboxSize         int        `toml:"mailbox_size,omitempty"`
	IntentTimeout       string     `toml:"intent_timeout,omitempty"`
	JoinTimeout         string     `toml:"join_timeout,omitempty"`
	ConnectTimeout      string     `toml:"connect_timeout,omitempty"`
	HandshakeTimeout    string     `toml:"handshake_timeout,omitempty"`
	SessionSecurityMode string     `toml:"session_security_mode,omitempty"`
	SessionTLSEnabled   bool       `toml:"session_tls_enabled,omitempty"`
	SessionTLSMutual    bool       `toml:"session_tls_mutual,omitempty"`
	SessionTLSCertFile  string     `toml:"session_tls_cert_file,omitempty"`
	SessionTLSKeyFile   string     `toml:"session_tls_key_file,omitempty"`
	SessionTLSCAFile    string     `toml:"session_tls_ca_file,omitempty"`
	SessionTLSServer    string     `toml:"session_tls_server_name,omitempty"`
	Kernel              kernelFile `toml:"kernel"`
	Peers               []peerFile `toml:"peers,omitempty"`
}

// DefaultNodeConfig returns the values a file overlays.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Alias:         "",
		ListenAddr:    ":7400",
		Accounts:      AccountsNone,
		MaxConcurrent: 8,
		SetDeadline:   30 * time.Second,
		MailboxSize:   64,
		Kernel:        KernelConfig{Kind: kernel.KindEmpty, MaxConnectAttempts: 5},
		Session:       session.DefaultConfig(),
	}
}

// Load reads path and overlays it on DefaultNodeConfig.
func Load(path string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}
	cfg, err := overlay(DefaultNodeConfig(), raw, meta)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode is Load over an in-memory document.
func Decode(doc string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := overlay(DefaultNodeConfig(), raw, meta)
	if err != nil {
		return NodeConfig{}, err
	}
	return cfg, Validate(cfg)
}

func overlay(cfg NodeConfig, raw fileConfig, meta toml.MetaData) (NodeConfig, error) {
	var err error
	if meta.IsDefined("id") {
		if cfg.ID, err = identity.Parse(raw.ID); err != nil {
			return NodeConfig{}, fmt.Errorf("id: %w", err)
		}
	}
	if meta.IsDefined("alias") {
		cfg.Alias = strings.TrimSpace(raw.Alias)
	}
	if meta.IsDefined("server") && strings.TrimSpace(raw.Server) != "" {
		if cfg.Server, err = identity.Parse(raw.Server); err != nil {
			return NodeConfig{}, fmt.Errorf("server: %w", err)
		}
	}
	if meta.IsDefined("server_addr") {
		cfg.ServerAddr = strings.TrimSpace(raw.ServerAddr)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("accounts") {
		cfg.Accounts = strings.ToLower(strings.TrimSpace(raw.Accounts))
	}
	if meta.IsDefined("max_concurrent") {
		cfg.MaxConcurrent = raw.MaxConcurrent
	}
	if meta.IsDefined("mailbox_size") {
		cfg.MailboxSize = raw.MailboxSize
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"set_deadline", raw.SetDeadline, &cfg.SetDeadline},
		{"intent_timeout", raw.IntentTimeout, &cfg.Session.IntentTimeout},
		{"join_timeout", raw.JoinTimeout, &cfg.Session.JoinTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return NodeConfig{}, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServer)
	}

	for i, p := range raw.Peers {
		id, err := identity.Parse(p.ID)
		if err != nil {
			return NodeConfig{}, fmt.Errorf("peers[%d]: %w", i, err)
		}
		cfg.Peers = append(cfg.Peers, PeerConfig{ID: id, Alias: strings.TrimSpace(p.Alias), Addr: strings.TrimSpace(p.Addr)})
	}

	k := &cfg.Kernel
	if meta.IsDefined("kernel", "kind") {
		if k.Kind, err = kernel.ParseKind(raw.Kernel.Kind); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("kernel", "max_connect_attempts") {
		k.MaxConnectAttempts = raw.Kernel.MaxConnectAttempts
	}
	if meta.IsDefined("kernel", "peers") {
		if k.Peers, err = identity.ParseList(raw.Kernel.Peers); err != nil {
			return NodeConfig{}, fmt.Errorf("kernel.peers: %w", err)
		}
	}
	if meta.IsDefined("kernel", "require_all") {
		k.RequireAll = raw.Kernel.RequireAll
	}
	if meta.IsDefined("kernel", "group") {
		k.Group = strings.TrimSpace(raw.Kernel.Group)
	}
	if meta.IsDefined("kernel", "owner") {
		if k.Owner, err = identity.Parse(raw.Kernel.Owner); err != nil {
			return NodeConfig{}, fmt.Errorf("kernel.owner: %w", err)
		}
	}
	if meta.IsDefined("kernel", "request") {
		if k.GroupRequest, err = session.ParseGroupInitRequestType(raw.Kernel.Request); err != nil {
			return NodeConfig{}, fmt.Errorf("kernel.request: %w", err)
		}
	}
	if meta.IsDefined("kernel", "accept_limit") {
		k.AcceptLimit = raw.Kernel.AcceptLimit
	}

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// Validate checks the cross-field rules Load cannot express per key.
func Validate(cfg NodeConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("config missing id")
	}
	switch cfg.Accounts {
	case AccountsNone, AccountsMemory:
	case AccountsBolt:
		if cfg.DataDir == "" {
			return fmt.Errorf("accounts = %q requires data_dir", AccountsBolt)
		}
	default:
		return fmt.Errorf("unknown accounts backend %q", cfg.Accounts)
	}
	if cfg.Server != "" && cfg.Server != cfg.ID && cfg.ServerAddr == "" {
		return fmt.Errorf("server %s requires server_addr", cfg.Server)
	}
	if cfg.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	known := make(map[identity.ID]bool, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if p.Addr == "" {
			return fmt.Errorf("peers[%d] %s missing addr", i, p.ID)
		}
		if known[p.ID] {
			return fmt.Errorf("peers[%d] %s listed twice", i, p.ID)
		}
		known[p.ID] = true
	}
	switch cfg.Kernel.Kind {
	case kernel.KindSingleConnection:
		if cfg.Server == "" {
			return fmt.Errorf("kernel %s requires server", cfg.Kernel.Kind)
		}
	case kernel.KindPeerMesh:
		if len(cfg.Kernel.Peers) == 0 {
			return fmt.Errorf("kernel %s requires kernel.peers", cfg.Kernel.Kind)
		}
		for _, id := range cfg.Kernel.Peers {
			if !known[id] && id != cfg.Server {
				return fmt.Errorf("kernel.peers: %s has no [[peers]] entry", id)
			}
		}
	case kernel.KindBroadcastGroup:
		if cfg.Kernel.Group == "" {
			return fmt.Errorf("kernel %s requires kernel.group", cfg.Kernel.Kind)
		}
		switch cfg.Kernel.GroupRequest {
		case session.GroupInitCreate:
			if cfg.Server == "" {
				return fmt.Errorf("creating group %s requires server", cfg.Kernel.Group)
			}
		case session.GroupInitJoin:
			if cfg.Kernel.Owner == "" {
				return fmt.Errorf("joining group %s requires kernel.owner", cfg.Kernel.Group)
			}
			if !known[cfg.Kernel.Owner] {
				return fmt.Errorf("kernel.owner: %s has no [[peers]] entry", cfg.Kernel.Owner)
			}
		default:
			return fmt.Errorf("kernel %s requires kernel.request", cfg.Kernel.Kind)
		}
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return err
	}
	if cfg.ListenAddr != "" {
		if err := cfg.Session.ValidateServerTransport(); err != nil {
			return err
		}
	}
	return nil
}
