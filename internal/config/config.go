// Package config loads and validates the network YAML configuration described
// in spec §6. It has no knowledge of the running daemon; it only produces a
// validated *Config or a *errs.Error of KindConfig.
package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/wgnetmanager/wgnetmanager/internal/errs"
)

// SharedKey is the pre-distributed 256-bit symmetric key used to seal every
// control datagram (spec §4.1).
type SharedKey [32]byte

func (k SharedKey) MarshalYAML() (interface{}, error) {
	return base64.StdEncoding.EncodeToString(k[:]), nil
}

func (k *SharedKey) UnmarshalYAML(node []byte) error {
	var s string
	if err := yaml.Unmarshal(node, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("sharedKey is not valid base64: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("sharedKey must decode to %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return nil
}

// PeerCfg is one entry of the peers: list in the network YAML.
type PeerCfg struct {
	EndPoint  string `yaml:"endPoint,omitempty"`
	AdminPort uint16 `yaml:"adminPort"`
	WgIp      netip.Addr `yaml:"wgIp"`
}

// IsStaticListener reports whether this peer entry configures a reachable
// static endpoint (spec §3, §6).
func (p PeerCfg) IsStaticListener() bool {
	return p.EndPoint != ""
}

// NetworkCfg is the network: block of the YAML config.
type NetworkCfg struct {
	SharedKey SharedKey    `yaml:"sharedKey"`
	Subnet    netip.Prefix `yaml:"subnet"`
}

// Config is the full contents of the network YAML file (spec §6).
type Config struct {
	Network NetworkCfg `yaml:"network"`
	Peers   []PeerCfg  `yaml:"peers"`

	// PreUp, PostUp, PostDown are shell commands run around device bring-up,
	// supplementing the distilled spec per SPEC_FULL.md §12.
	PreUp    []string `yaml:"preUp,omitempty"`
	PostUp   []string `yaml:"postUp,omitempty"`
	PostDown []string `yaml:"postDown,omitempty"`

	// LogPath, when set, appends a second log handler writing to this file
	// alongside the console (SPEC_FULL.md §10), overridable by -o at the
	// command line.
	LogPath string `yaml:"logPath,omitempty"`
}

// Load reads and validates the network configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "failed to read config "+path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "failed to parse config "+path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants spec §6 requires before the daemon starts:
// the subnet is well-formed, every peer wg_ip lies inside it, wg_ip values are
// unique, and at least one static listener exists to bootstrap the overlay.
func Validate(cfg *Config) error {
	if !cfg.Network.Subnet.IsValid() {
		return errs.New(errs.KindConfig, "network.subnet is missing or invalid")
	}
	if cfg.Network.SharedKey == (SharedKey{}) {
		return errs.New(errs.KindConfig, "network.sharedKey must be set")
	}
	seen := make(map[netip.Addr]bool, len(cfg.Peers))
	haveStatic := false
	for i, p := range cfg.Peers {
		if !p.WgIp.IsValid() {
			return errs.New(errs.KindConfig, fmt.Sprintf("peers[%d].wgIp is missing or invalid", i))
		}
		if !cfg.Network.Subnet.Contains(p.WgIp) {
			return errs.New(errs.KindConfig, fmt.Sprintf("peers[%d].wgIp %s is outside subnet %s", i, p.WgIp, cfg.Network.Subnet))
		}
		if seen[p.WgIp] {
			return errs.New(errs.KindConfig, fmt.Sprintf("duplicate wgIp %s in peers list", p.WgIp))
		}
		seen[p.WgIp] = true
		if p.IsStaticListener() {
			if _, err := netip.ParseAddrPort(p.EndPoint); err != nil {
				if _, _, err2 := splitHostPort(p.EndPoint); err2 != nil {
					return errs.Wrap(errs.KindConfig, fmt.Sprintf("peers[%d].endPoint %q is invalid", i, p.EndPoint), err)
				}
			}
			haveStatic = true
		}
	}
	if !haveStatic {
		return errs.New(errs.KindConfig, "at least one peer must declare endPoint (a static listener) to bootstrap the overlay")
	}
	return nil
}

// splitHostPort accepts host:port pairs where host is a DNS name rather than
// a literal IP, which netip.ParseAddrPort rejects.
func splitHostPort(s string) (string, string, error) {
	host, port, err := splitLast(s, ':')
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

func splitLast(s string, sep byte) (string, string, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("missing %q in %q", string(sep), s)
}
