package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"

	"github.com/capable-tools/capable/pkg/app"
	"github.com/capable-tools/capable/pkg/capset"
	"github.com/capable-tools/capable/pkg/config"
	"github.com/capable-tools/capable/pkg/log"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	sleepFlag        string
	daemonFlag       bool
	capabilitiesFlag string
	outputFlag       string
	logLevelFlag     string
)

func main() {
	updateBuildInfo()

	flagArgs, command := splitCommandArgs(os.Args[1:])
	os.Args = append([]string{os.Args[0]}, flagArgs...)

	flaggy.SetName("capable")
	flaggy.SetDescription("Profile a command's minimum capabilities, file access, and D-Bus methods")
	flaggy.DefaultParser.AdditionalHelpPrepend = "Remaining arguments after -- are the command to profile"
	flaggy.SetVersion(fmt.Sprintf("%s (commit %s, built %s)", version, commit, date))

	flaggy.String(&sleepFlag, "s", "sleep", "Delay before killing the process (unused by the core, passed through)")
	flaggy.Bool(&daemonFlag, "d", "daemon", "Collect data on the whole system and print the result on Ctrl-C")
	flaggy.String(&capabilitiesFlag, "c", "capabilities", "Capabilities to grant the child, comma-separated CAP_xxx or ALL")
	flaggy.String(&outputFlag, "o", "output", "File to write the policy result to; without it, stdout")
	flaggy.String(&logLevelFlag, "l", "log-level", "Log verbosity (falls back to $LOG_LEVEL)")

	flaggy.Parse()

	cfg, err := buildConfig(command)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.NewLogger(cfg)

	capableApp, err := app.NewApp(logger, cfg)
	var exitCode int
	if err == nil {
		exitCode, err = capableApp.Run()
	}

	if err != nil {
		if capableApp != nil {
			if msg, known := capableApp.KnownError(err); known {
				fmt.Fprintln(os.Stderr, msg)
				os.Exit(1)
			}
		}
		wrapped := errors.Wrap(err, 0)
		logger.Error(wrapped.ErrorStack())
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(exitCode)
}

// splitCommandArgs separates flaggy-parsed flags from the trailing
// command to profile. flaggy models a fixed flag set, not an arbitrary
// passthrough tail, so the tail is carved off before handing the rest to
// flaggy, the same way `kubectl exec -- cmd args` or `env -- cmd args`
// draw the line with a literal "--".
func splitCommandArgs(argv []string) (flagArgs, command []string) {
	for i, a := range argv {
		if a == "--" {
			return argv[:i], argv[i+1:]
		}
	}
	return argv, nil
}

func buildConfig(command []string) (config.RunConfig, error) {
	cfg := config.Default()
	cfg.Version = version
	cfg.Commit = commit
	cfg.Date = date
	cfg.Command = command
	cfg.Daemon = daemonFlag
	cfg.Output = outputFlag

	cfg.LogLevel = logLevelFlag
	if cfg.LogLevel == "" {
		cfg.LogLevel = os.Getenv("LOG_LEVEL")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if sleepFlag != "" {
		seconds, err := strconv.ParseUint(sleepFlag, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid --sleep value %q: %w", sleepFlag, err)
		}
		cfg.Sleep = time.Duration(seconds) * time.Second
	}

	if capabilitiesFlag != "" {
		caps, err := capset.ParseList(capabilitiesFlag)
		if err != nil {
			return cfg, fmt.Errorf("invalid --capabilities value: %w", err)
		}
		cfg.Capabilities = caps
	}

	return cfg, cfg.Validate()
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
			if len(commit) > 7 {
				version = commit[:7]
			} else {
				version = commit
			}
		case "vcs.time":
			date = setting.Value
		}
	}
}
