//+build !linux

package diagnostics

import "errors"

// Run is unsupported outside Linux: there is no portable procfs
// equivalent this package relies on.
func (w *Watcher) Run() error {
	return errors.New("diagnostics: unsupported platform")
}
