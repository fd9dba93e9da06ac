// Package config holds the run configuration assembled from command-line
// flags. There is no persisted on-disk config in this tool: every run is
// independent, so there is no XDG-backed config-directory layering here.
package config

import (
	"fmt"
	"time"

	"github.com/capable-tools/capable/pkg/capset"
)

// RunConfig is the fully parsed set of options for one invocation.
type RunConfig struct {
	Version string
	Commit  string
	Date    string

	Sleep        time.Duration
	Daemon       bool
	Capabilities capset.Set
	Output       string
	LogLevel     string
	Command      []string
}

// Default returns a RunConfig with no sleep, not a daemon, no
// capabilities passed through, stdout output, and info-level logging.
func Default() RunConfig {
	return RunConfig{
		LogLevel: "info",
	}
}

// Validate reports the first configuration error that would prevent a
// run from starting. Daemon mode is the one case that legitimately has
// no command: it profiles the whole host instead of one process tree.
func (c RunConfig) Validate() error {
	if len(c.Command) == 0 && !c.Daemon {
		return fmt.Errorf("no command specified")
	}
	return nil
}
