package config

import (
	"flag"
	"os"
	"time"

	"github.com/atlasvpn/atlas/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-m string   metrics bind address (e.g., ":9290")
//	-r string   tunnel server host clients connect to
//	-p int      tunnel server port
//	-t string   tunnel transport (udp or tcp)
//	-s string   systemd service name of the tunnel daemon
//	-i int      enforcement interval, minutes
//	-x int      external command timeout, seconds
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-m", "-r", "-p", "-t", "-s", "-i", "-x"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics bind address")
	fs.StringVar(&config.ServerHost, "r", config.ServerHost, "tunnel server host")
	fs.IntVar(&config.ServerPort, "p", config.ServerPort, "tunnel server port")
	fs.StringVar(&config.ServerTransport, "t", config.ServerTransport, "tunnel transport (udp/tcp)")
	fs.StringVar(&config.ServiceName, "s", config.ServiceName, "tunnel daemon service name")

	enforceInterval := fs.Int("i", int(config.EnforceInterval.Minutes()), "enforcement interval (in minutes)")
	execTimeout := fs.Int("x", int(config.ExecTimeout.Seconds()), "external command timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.EnforceInterval = time.Duration(*enforceInterval) * time.Minute
	config.ExecTimeout = time.Duration(*execTimeout) * time.Second
}
