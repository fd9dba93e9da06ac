// Package app wires the kernel probe, aggregator, namespace tree,
// launcher, strace mapper, D-Bus monitor, and policy assembler into one
// run: load the probe, launch (or watch) the target, drain what the
// probe and collaborators observed, and emit the policy document.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/rlimit"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/capable-tools/capable/pkg/aggregator"
	"github.com/capable-tools/capable/pkg/config"
	"github.com/capable-tools/capable/pkg/dbus"
	"github.com/capable-tools/capable/pkg/launcher"
	"github.com/capable-tools/capable/pkg/nstree"
	"github.com/capable-tools/capable/pkg/policy"
	"github.com/capable-tools/capable/pkg/probe"
	"github.com/capable-tools/capable/pkg/strace"
)

const (
	defaultObjectPath = "/usr/local/libexec/capable/capable.bpf.o"
	probeSymbol       = "cap_capable"
	dbusDumpPath      = "/tmp/capable_dbus.json"
)

// objectPath resolves the compiled eBPF object to load: CAPABLE_BPF_OBJECT
// when set (useful in development, or when packaging installs it
// elsewhere), otherwise the path this tool's own packaging installs it
// to. The object itself is built from bpf/capable.bpf.c by the
// go:generate directive in pkg/probe/probe.go, never by `go build`
// directly (see that file for the full build note).
func objectPath() string {
	if p := os.Getenv("CAPABLE_BPF_OBJECT"); p != "" {
		return p
	}
	return defaultObjectPath
}

// App holds everything one invocation needs once flags have been parsed
// into a config.RunConfig.
type App struct {
	cfg config.RunConfig
	log *logrus.Entry
}

// NewApp validates cfg and returns an App ready to Run.
func NewApp(log *logrus.Entry, cfg config.RunConfig) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{cfg: cfg, log: log}, nil
}

// Run loads the kernel probe, then either profiles the whole host until
// SIGINT (daemon mode) or launches and profiles cfg.Command, and returns
// the process exit code this tool should propagate.
func (a *App) Run() (int, error) {
	if msg := probe.CheckKernelVersion(); msg != "" {
		a.log.Warn(msg)
	}

	var kp *probe.KProbe
	var ksyms *aggregator.SymbolTable

	err := launcher.ElevateStartup(func() error {
		if err := rlimit.RemoveMemlock(); err != nil {
			a.log.WithError(err).Debug("failed to raise memlock limit, probe may fail to load on older kernels")
		}
		var loadErr error
		kp, loadErr = probe.LoadKProbe(a.log, objectPath(), probeSymbol)
		if loadErr != nil {
			return loadErr
		}
		ksyms, loadErr = aggregator.LoadKernelSymbols()
		return loadErr
	})
	if err != nil {
		return 1, fmt.Errorf("attach kernel probe: %w", err)
	}
	defer kp.Close()

	agg := aggregator.New(a.log, ksyms)

	if a.cfg.Daemon || len(a.cfg.Command) == 0 {
		return 0, a.runDaemon(kp, agg)
	}
	return a.runCommand(kp, agg)
}

// runDaemon profiles every capability check system-wide until SIGINT,
// then prints (or writes) what it saw. There is no single root namespace
// to union against in this mode, so every namespace observed gets its
// own row.
func (a *App) runDaemon(kp *probe.KProbe, agg *aggregator.Aggregator) error {
	fmt.Println("Waiting for Ctrl-C...")

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	<-ctx.Done()

	entries, err := agg.Drain(kp)
	if err != nil {
		return fmt.Errorf("drain requests: %w", err)
	}
	return a.reportDaemon(entries)
}

// daemonRow is one line of the host-wide capability table: unlike the
// single-command policy document, daemon mode reports raw per-process
// observations rather than a namespace-tree union.
type daemonRow struct {
	Pid          int32  `json:"pid"`
	Ppid         int32  `json:"ppid"`
	Uid          uint32 `json:"uid"`
	Gid          uint32 `json:"gid"`
	NS           uint32 `json:"ns"`
	ParentNS     uint32 `json:"parent_ns"`
	Capabilities string `json:"capabilities"`
}

func (a *App) reportDaemon(entries map[aggregator.ProcessKey]*aggregator.CapSetEntry) error {
	rows := make([]daemonRow, 0, len(entries))
	for key, entry := range entries {
		rows = append(rows, daemonRow{
			Pid:          key.Pid,
			Ppid:         key.Ppid,
			Uid:          key.Uid,
			Gid:          entry.Gid,
			NS:           key.NS,
			ParentNS:     key.ParentNS,
			Capabilities: capabilitiesString(entry.Caps.ToPolicyList()),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pid < rows[j].Pid })

	if a.cfg.Output != "" {
		return writeJSON(a.cfg.Output, rows)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"PID", "PPID", "UID", "GID", "NS", "PARENT_NS", "CAPABILITIES"})
	table.SetAutoWrapText(true)
	for _, r := range rows {
		table.Append([]string{
			strconv.Itoa(int(r.Pid)),
			strconv.Itoa(int(r.Ppid)),
			strconv.FormatUint(uint64(r.Uid), 10),
			strconv.FormatUint(uint64(r.Gid), 10),
			strconv.FormatUint(uint64(r.NS), 10),
			strconv.FormatUint(uint64(r.ParentNS), 10),
			r.Capabilities,
		})
	}
	fmt.Println()
	table.Render()
	return nil
}

func capabilitiesString(names []string) string {
	return strings.Join(names, " ")
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon table: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// runCommand launches cfg.Command, profiles it for the duration of the
// run, and assembles the final policy document.
func (a *App) runCommand(kp *probe.KProbe, agg *aggregator.Aggregator) (int, error) {
	straceLogPath := fmt.Sprintf("/tmp/capable_strace_%d.log", os.Getpid())

	monitor := dbus.NewMonitor(a.log)
	dbusCtx, cancelDbus := context.WithCancel(context.Background())
	go func() {
		if err := monitor.Run(dbusCtx); err != nil {
			a.log.WithError(err).Warn("dbus monitor stopped")
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	result, err := launcher.Launch(sigCtx, a.log, launcher.Config{
		Command:       a.cfg.Command,
		Capabilities:  a.cfg.Capabilities,
		StraceLogPath: straceLogPath,
		Inherit:       a.cfg.Output != "",
	})
	cancelDbus()
	if result == nil {
		return 1, fmt.Errorf("launch command: %w", err)
	}
	if err != nil {
		// The watchdog could not bring the child down even after
		// SIGKILL: result.ExitCode is -1 and nothing observed about
		// this run can be trusted, so skip policy assembly entirely.
		return result.ExitCode, err
	}
	if result.ExitCode != 0 && a.cfg.Output == "" {
		fmt.Fprintf(os.Stderr, "Command failed with exit status: %d\n", result.ExitCode)
		fmt.Fprintln(os.Stderr, "Please check the command and try again with the capabilities it reports it needs")
	}

	if dumpErr := monitor.DumpJSON(dbusDumpPath); dumpErr != nil {
		a.log.WithError(dumpErr).Debug("failed to write dbus dump file")
	}

	entries, drainErr := agg.Drain(kp)
	if drainErr != nil {
		return result.ExitCode, fmt.Errorf("drain requests: %w", drainErr)
	}

	graph := nstree.New()
	for _, entry := range entries {
		graph.Add(entry.Key.ParentNS, entry.Key.NS, entry.Caps)
	}
	caps := graph.Union(result.RootNS)

	lines, readErr := strace.ReadFile(straceLogPath)
	if readErr != nil {
		a.log.WithError(readErr).Warn("failed to read strace log")
	}

	sawPtrace := false
	for _, l := range lines {
		if l.Name == "ptrace" && !l.IsError {
			sawPtrace = true
			break
		}
	}

	files := strace.BuildAccessMap(lines, statOtherMode)
	dbusMethods := monitor.MethodsFor(result.RootNS)

	doc := policy.Build(caps, sawPtrace, files, dbusMethods, os.Environ())

	if a.cfg.Output != "" {
		if writeErr := policy.WriteFile(a.cfg.Output, doc); writeErr != nil {
			return result.ExitCode, writeErr
		}
	} else if writeErr := policy.Write(os.Stdout, doc); writeErr != nil {
		return result.ExitCode, writeErr
	}

	return result.ExitCode, nil
}

// statOtherMode is the lstat callback BuildAccessMap uses to strip
// world-already-granted access bits; it follows symlinks, matching how a
// path is actually resolved when the syscall being profiled opens it.
func statOtherMode(path string) (uint32, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, false
	}
	return uint32(st.Mode), true
}

// KnownError reports a short, friendly message for errors this program
// recognizes, so main.go can avoid printing a raw stack trace for the
// common "you're not root enough" case.
func (a *App) KnownError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	if strings.Contains(msg, launcher.CapabilitiesError) {
		return launcher.CapabilitiesError, true
	}
	return "", false
}
