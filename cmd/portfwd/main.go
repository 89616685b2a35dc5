// Command portfwd is a demo host program for the forwarding library: it
// reads its operating configuration from the environment, starts a TCP
// and a UDP forwarder, and relays until it receives a termination signal.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/heroku/portfwd/config"
	"github.com/heroku/portfwd/diagnostics"
	"github.com/heroku/portfwd/forwarding"
	"github.com/heroku/portfwd/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "portfwd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logger := telemetry.NewLogger(os.Stdout)

	var drain *telemetry.Drain
	if cfg.LogdrainURL != "" {
		drain = telemetry.ShipTo(cfg.LogdrainURL, cfg.AppName, cfg.AppID, cfg.ProcessID)
		defer drain.Close()
		logger = telemetry.NewLogger(io.MultiWriter(os.Stdout, drain))
	}

	tcp := forwarding.NewTcpForwarder(nil)
	udp := forwarding.NewUdpForwarder(nil)

	if err := tcp.Start(); err != nil {
		return errors.Wrap(err, "start tcp forwarder")
	}
	defer tcp.Stop()

	if err := udp.Start(); err != nil {
		return errors.Wrap(err, "start udp forwarder")
	}
	defer udp.Stop()

	watcher := diagnostics.NewWatcher(5 * time.Second)
	go func() {
		if err := watcher.Run(); err != nil {
			logger.Event("diagnostics watcher stopped", "err", err)
		}
	}()
	defer watcher.Stop()

	go func() {
		for ev := range watcher.Events() {
			logger.Event("port state change", "port", ev.LocalPort, "remote", ev.RemoteAddr, "state", ev.State)
		}
	}()

	for _, route := range cfg.TCPRoutes {
		if err := tcp.AddEntry(route.LocalPort, route.RemoteHost, route.RemotePort); err != nil {
			return errors.Wrapf(err, "add tcp route %d", route.LocalPort)
		}
		logger.Event("tcp route added", "local_port", route.LocalPort, "remote", route.RemoteHost)
	}
	watcher.Attach(tcp)
	for _, route := range cfg.UDPRoutes {
		if err := udp.AddEntry(route.LocalPort, route.RemoteHost, route.RemotePort); err != nil {
			return errors.Wrapf(err, "add udp route %d", route.LocalPort)
		}
		logger.Event("udp route added", "local_port", route.LocalPort, "remote", route.RemoteHost)
	}

	logger.Event("portfwd started", "app", cfg.AppName)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logger.Event("portfwd shutting down")
	return nil
}
