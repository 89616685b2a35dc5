package telemetry

import (
	"io"
	"log"
	"os"

	shuttle "github.com/heroku/log-shuttle"
)

// Drain ships loglines written to it on to a Logplex/log-shuttle style
// logdrain, mirroring the forwarding application's own stdout logs to a
// centralized collector. It wires a shuttle.Config/shuttle.Shuttle pair
// driven by an io.Writer instead of a fixed set of pre-opened readers,
// since a forwarder's loglines are produced continuously rather than read
// once from finished files.
type Drain struct {
	LogdrainURL string
	AppName     string
	AppID       string
	ProcessID   string

	pw *io.PipeWriter
	ls *shuttle.Shuttle
}

// ShipTo starts shipping loglines written to the returned Drain to
// logdrainURL. Close stops shipping and releases the shuttle.
func ShipTo(logdrainURL, appName, appID, processID string) *Drain {
	d := &Drain{LogdrainURL: logdrainURL, AppName: appName, AppID: appID, ProcessID: processID}

	cfg := shuttle.NewConfig()
	cfg.LogsURL = logdrainURL
	cfg.Appname = appName
	cfg.Hostname = appID
	cfg.Procid = processID
	cfg.ComputeHeader()

	d.ls = shuttle.NewShuttle(cfg)
	d.ls.ErrLogger = log.New(os.Stderr, "telemetry: log-shuttle: ", 0)

	pr, pw := io.Pipe()
	d.pw = pw
	d.ls.LoadReader(pr)
	d.ls.Launch()

	return d
}

// Write implements io.Writer, feeding p to the underlying shuttle.
func (d *Drain) Write(p []byte) (int, error) { return d.pw.Write(p) }

// Close stops shipping and waits for in-flight loglines to land.
func (d *Drain) Close() error {
	err := d.pw.Close()
	d.ls.Land()
	return err
}
