package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_LoadsValues(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, map[string]any{
		"database_dsn":       "postgres://u:p@localhost:5432/atlas",
		"metrics_addr":       ":9999",
		"server_host":        "tunnel.example.org",
		"server_port":        1195,
		"server_transport":   "tcp",
		"server_public_key":  "spub",
		"client_dns":         "9.9.9.9",
		"client_allowed_ips": "10.8.0.0/24",
		"service_name":       "wg-quick@wg0",
		"easyrsa_bin":        "/usr/share/easy-rsa/easyrsa",
		"pki_dir":            "/tmp/pki",
		"tls_auth_key_path":  "/tmp/ta.key",
		"enforce_interval":   "2m",
		"exec_timeout":       "10s",
	})

	os.Args = []string{"testbin", "-config", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)

	assert.Equal(t, "postgres://u:p@localhost:5432/atlas", cfg.DatabaseDSN)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
	assert.Equal(t, "tunnel.example.org", cfg.ServerHost)
	assert.Equal(t, 1195, cfg.ServerPort)
	assert.Equal(t, "tcp", cfg.ServerTransport)
	assert.Equal(t, "spub", cfg.ServerPublicKey)
	assert.Equal(t, "9.9.9.9", cfg.ClientDNS)
	assert.Equal(t, "10.8.0.0/24", cfg.ClientAllowedIPs)
	assert.Equal(t, "wg-quick@wg0", cfg.ServiceName)
	assert.Equal(t, "/usr/share/easy-rsa/easyrsa", cfg.EasyRSABin)
	assert.Equal(t, "/tmp/pki", cfg.PKIDir)
	assert.Equal(t, "/tmp/ta.key", cfg.TLSAuthKeyPath)
	assert.Equal(t, 2*time.Minute, cfg.EnforceInterval)
	assert.Equal(t, 10*time.Second, cfg.ExecTimeout)
}

func Test_parseJson_NoFlagIsNoop(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"testbin"}

	cfg := &Config{}
	cfg.LoadDefaults()
	before := *cfg
	parseJson(cfg)

	assert.Equal(t, before, *cfg)
}
