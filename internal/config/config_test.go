package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDirectory(t *testing.T) {
	path := writeTemp(t, `
id: directory-1
listen: ":8080"
db_path: /var/lib/sealmsg/directory.db
anchor_key_hex: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
pow_effort: 20
pow_seed_ttl: 5m
chunk_period: 1h
`)
	cfg, err := LoadDirectory(path)
	require.NoError(t, err)
	require.Equal(t, "directory-1", cfg.ID)
	require.Equal(t, uint32(20), cfg.PoWEffort)
	require.Equal(t, 5*time.Minute, cfg.PoWSeedTTL)
	require.Equal(t, time.Hour, cfg.ChunkPeriod)

	key, err := DecodeAnchorKeyHex(cfg.AnchorKeyHex)
	require.NoError(t, err)
	require.Len(t, key, 64)
}

func TestLoadHomeServer(t *testing.T) {
	path := writeTemp(t, `
server_name: "~home1"
listen: ":8090"
session_db_path: /var/lib/sealmsg/session.db
mailbox_db_path: /var/lib/sealmsg/mailbox.db
fragments_root: /var/lib/sealmsg/frags
fragments_db_path: /var/lib/sealmsg/fragments.db
janitor_period: 30s
dir_endpoint: "http://directory.example:8080"
dir_anchor_pk: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
dir_db_path: /var/lib/sealmsg/dirclient.db
`)
	cfg, err := LoadHomeServer(path)
	require.NoError(t, err)
	require.Equal(t, "~home1", cfg.ServerName)
	require.Equal(t, 30*time.Second, cfg.JanitorPeriod)
	require.Equal(t, "http://directory.example:8080", cfg.DirEndpoint)
}

func TestLoadClient(t *testing.T) {
	path := writeTemp(t, `
db_path: ~/.sealmsg/store.db
identity_db_path: ~/.sealmsg/identity.db
dir_endpoint: "http://directory.example:8080"
dir_anchor_pk: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
dir_db_path: ~/.sealmsg/dirclient.db
`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "~/.sealmsg/store.db", cfg.DBPath)
	require.Equal(t, "http://directory.example:8080", cfg.DirEndpoint)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
