package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	gotoml "github.com/pelletier/go-toml/v2"
)

var templates = map[string]fileConfig{
	"server": {
		ID:            "server.alpha",
		Alias:         "alpha",
		ListenAddr:    ":7400",
		AdminAddr:     ":7480",
		CorsOrigins:   []string{"http://localhost:3000"},
		AdminToken:    "change-me",
		DataDir:       "./data/server.alpha",
		Accounts:      AccountsBolt,
		IntentTimeout: "10s",
		Kernel:        kernelFile{Kind: "accept_listener"},
	},
	"client": {
		ID:            "peer.a",
		Alias:         "a",
		Server:        "server.alpha",
		ServerAddr:    "localhost:7400",
		ListenAddr:    ":7401",
		IntentTimeout: "10s",
		Kernel:        kernelFile{Kind: "single_connection", MaxConnectAttempts: 5},
	},
	"mesh": {
		ID:          "peer.a",
		Server:      "server.alpha",
		ServerAddr:  "localhost:7400",
		ListenAddr:  ":7401",
		SetDeadline: "30s",
		Kernel: kernelFile{
			Kind:       "peer_mesh",
			Peers:      []string{"peer.b", "peer.c"},
			RequireAll: false,
		},
		Peers: []peerFile{
			{ID: "peer.b", Alias: "b", Addr: "localhost:7402"},
			{ID: "peer.c", Alias: "c", Addr: "localhost:7403"},
		},
	},
	"group-owner": {
		ID:          "peer.owner",
		Server:      "server.alpha",
		ServerAddr:  "localhost:7400",
		ListenAddr:  ":7410",
		JoinTimeout: "15s",
		Kernel:      kernelFile{Kind: "broadcast_group", Group: "lobby", Request: "create"},
	},
	"group-member": {
		ID:          "peer.b",
		Server:      "server.alpha",
		ServerAddr:  "localhost:7400",
		ListenAddr:  ":7402",
		JoinTimeout: "15s",
		Kernel: kernelFile{
			Kind:    "broadcast_group",
			Group:   "lobby",
			Owner:   "peer.owner",
			Request: "join",
		},
		Peers: []peerFile{
			{ID: "peer.owner", Addr: "localhost:7410"},
		},
	},
}

// Kinds lists the template names Template accepts.
func Kinds() []string {
	out := make([]string, 0, len(templates))
	for k := range templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Template renders the starter config for kind.
func Template(kind string) (string, error) {
	raw, ok := templates[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", fmt.Errorf("unknown config kind: %s (want one of %s)", kind, strings.Join(Kinds(), ", "))
	}
	out, err := gotoml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
