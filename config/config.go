// Package config decodes the environment-driven configuration for
// cmd/portfwd, the demo binary that drives the forwarding package. The
// core forwarding package takes no environment dependency: routes are
// added programmatically via AddEntry, matching the library's "no on-disk
// state, no CLI, no env vars" scope. Only the demo binary's own operating
// parameters (which ports to bind, where to ship logs) come from the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Route is one local_port:remote_host:remote_port routing directive, the
// demo binary's own env-var encoding of what AddEntry otherwise takes as
// three arguments.
type Route struct {
	LocalPort  uint16
	RemoteHost string
	RemotePort uint16
}

// Config is decoded from the process environment with envdecode struct
// tags.
type Config struct {
	LogdrainURL string `env:"PORTFWD_LOGDRAIN_URL,optional"`
	AppName     string `env:"PORTFWD_APP_NAME,default=portfwd"`
	AppID       string `env:"PORTFWD_APP_ID,optional"`
	ProcessID   string `env:"PORTFWD_PROCESS_ID,default=forwarder.1"`

	ShutdownPeriod time.Duration `env:"PORTFWD_SHUTDOWN_PERIOD,default=5s"`

	TCPRoutes []Route
	UDPRoutes []Route
}

// FromEnv decodes Config from the current process environment.
// PORTFWD_TCP_ROUTES and PORTFWD_UDP_ROUTES are comma-separated lists of
// local_port:remote_host:remote_port triples; envdecode has no native
// slice-of-struct support, so these two are parsed by hand rather than
// via struct tags.
func FromEnv() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return nil, err
	}

	var err error
	if c.TCPRoutes, err = parseRoutes(os.Getenv("PORTFWD_TCP_ROUTES")); err != nil {
		return nil, err
	}
	if c.UDPRoutes, err = parseRoutes(os.Getenv("PORTFWD_UDP_ROUTES")); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseRoutes(val string) ([]Route, error) {
	if val == "" {
		return nil, nil
	}

	var routes []Route
	for _, entry := range strings.Split(val, ",") {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, errInvalidRoute(entry)
		}

		localPort, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, errInvalidRoute(entry)
		}
		remotePort, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, errInvalidRoute(entry)
		}

		routes = append(routes, Route{
			LocalPort:  uint16(localPort),
			RemoteHost: parts[1],
			RemotePort: uint16(remotePort),
		})
	}
	return routes, nil
}

type errInvalidRoute string

func (e errInvalidRoute) Error() string {
	return "config: invalid route " + strconv.Quote(string(e))
}
