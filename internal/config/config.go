// Package config loads the YAML-backed configuration for each of the
// three daemons in cmd/: the directory server, the home server, and the
// client CLI. Spec §6 names the client's minimum as
// `{db_path, dir_endpoint, dir_anchor_pk}`; the server-side daemons need a
// few more operational knobs (listen address, PoW tuning, janitor
// periods) that spec §5/§6 describe without naming a config shape, so
// those are named here directly.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Directory is cmd/directoryd's configuration.
type Directory struct {
	ID           string        `yaml:"id"`
	Listen       string        `yaml:"listen"`
	DBPath       string        `yaml:"db_path"`
	AnchorKeyHex string        `yaml:"anchor_key_hex"` // 64-byte ed25519 seed||public, hex-encoded
	PoWEffort    uint32        `yaml:"pow_effort"`
	PoWSeedTTL   time.Duration `yaml:"pow_seed_ttl"`
	ChunkPeriod  time.Duration `yaml:"chunk_period"`
}

// HomeServer is cmd/homeserverd's configuration: the session, mailbox,
// and fragment layers sharing one process and one directory client.
type HomeServer struct {
	ServerName    string        `yaml:"server_name"`
	Listen        string        `yaml:"listen"`
	SessionDBPath string        `yaml:"session_db_path"`
	MailboxDBPath string        `yaml:"mailbox_db_path"`
	FragmentsRoot string        `yaml:"fragments_root"`
	FragmentsDB   string        `yaml:"fragments_db_path"`
	JanitorPeriod time.Duration `yaml:"janitor_period"`
	DirEndpoint   string        `yaml:"dir_endpoint"`
	DirAnchorPK   string        `yaml:"dir_anchor_pk"` // hex-encoded ed25519 public key
	DirDBPath     string        `yaml:"dir_db_path"`
}

// Client is cmd/sealmsg's configuration, matching spec §6's
// `{db_path, dir_endpoint, dir_anchor_pk}` verbatim, plus the identity
// store path and the directory header store path (dir_db_path) the client
// pipeline needs alongside it.
type Client struct {
	DBPath      string `yaml:"db_path"`
	IdentityDB  string `yaml:"identity_db_path"`
	DirEndpoint string `yaml:"dir_endpoint"`
	DirAnchorPK string `yaml:"dir_anchor_pk"`
	DirDBPath   string `yaml:"dir_db_path"`
}

// LoadDirectory reads and parses a Directory config from path.
func LoadDirectory(path string) (Directory, error) {
	var cfg Directory
	if err := loadYAML(path, &cfg); err != nil {
		return Directory{}, err
	}
	return cfg, nil
}

// LoadHomeServer reads and parses a HomeServer config from path.
func LoadHomeServer(path string) (HomeServer, error) {
	var cfg HomeServer
	if err := loadYAML(path, &cfg); err != nil {
		return HomeServer{}, err
	}
	return cfg, nil
}

// LoadClient reads and parses a Client config from path.
func LoadClient(path string) (Client, error) {
	var cfg Client
	if err := loadYAML(path, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// DecodeAnchorKeyHex decodes a hex-encoded ed25519 key (public or
// seed||public) as used by AnchorKeyHex/DirAnchorPK fields above.
func DecodeAnchorKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: invalid hex key: %w", err)
	}
	return b, nil
}
