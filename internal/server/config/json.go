package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/atlasvpn/atlas/internal/flagx"
	"github.com/atlasvpn/atlas/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "5m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN      string         `json:"database_dsn"`
	MetricsAddr      string         `json:"metrics_addr"`
	ServerHost       string         `json:"server_host"`
	ServerPort       int            `json:"server_port"`
	ServerTransport  string         `json:"server_transport"`
	ServerPublicKey  string         `json:"server_public_key"`
	ClientDNS        string         `json:"client_dns"`
	ClientAllowedIPs string         `json:"client_allowed_ips"`
	ServiceName      string         `json:"service_name"`
	EasyRSABin       string         `json:"easyrsa_bin"`
	PKIDir           string         `json:"pki_dir"`
	TLSAuthKeyPath   string         `json:"tls_auth_key_path"`
	EnforceInterval  timex.Duration `json:"enforce_interval"`
	ExecTimeout      timex.Duration `json:"exec_timeout"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; if neither is set, no JSON file is loaded. Read or unmarshal
// failures panic, matching flag-parsing behavior.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.MetricsAddr = c.MetricsAddr
	config.ServerHost = c.ServerHost
	config.ServerPort = c.ServerPort
	config.ServerTransport = c.ServerTransport
	config.ServerPublicKey = c.ServerPublicKey
	config.ClientDNS = c.ClientDNS
	config.ClientAllowedIPs = c.ClientAllowedIPs
	config.ServiceName = c.ServiceName
	config.EasyRSABin = c.EasyRSABin
	config.PKIDir = c.PKIDir
	config.TLSAuthKeyPath = c.TLSAuthKeyPath
	config.EnforceInterval = time.Duration(c.EnforceInterval.Duration)
	config.ExecTimeout = time.Duration(c.ExecTimeout.Duration)
}
