// Package launcher starts the target command in a fresh PID namespace,
// captures the root namespace inode the probe and D-Bus monitor key
// their output on, and watches over the child until it exits or is
// killed.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/moby/sys/capability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/capable-tools/capable/pkg/capset"
)

// watchdogPoll and watchdogRounds bound how long this package waits for
// a SIGINT to take effect, and then for a follow-up SIGKILL to take
// effect, before giving up: 10 * 100ms == 1s per stage, 2 stages.
const (
	watchdogPoll   = 100 * time.Millisecond
	watchdogRounds = 10
)

// Config describes the command to launch and the capability set to hand
// it via the ambient set.
type Config struct {
	Command      []string
	Capabilities capset.Set
	// StraceLogPath, when strace is available on $PATH, wraps Command in
	// `strace -f -e ptrace,file -o StraceLogPath <command...>` so
	// pkg/strace has a log to read once the command exits. Without it
	// (or without strace installed), Command runs directly via `sh -c`.
	StraceLogPath string
	// Inherit, when true, wires the child's stdio to this process's own
	// (used when --output writes the policy to a file instead of
	// stdout, so the launched command's own output stays visible).
	Inherit bool
}

// buildExecCommand resolves the real argv0/args to exec: strace wrapping
// the target command when strace is on $PATH and a log path was given,
// otherwise the target command run through a shell so relative paths and
// shell builtins behave the same either way.
func buildExecCommand(cfg Config) (string, []string, error) {
	if cfg.StraceLogPath != "" {
		if stracePath, err := exec.LookPath("strace"); err == nil {
			args := append([]string{"-f", "-e", "ptrace,file", "-o", cfg.StraceLogPath}, cfg.Command...)
			return stracePath, args, nil
		}
	}
	shPath, err := exec.LookPath("sh")
	if err != nil {
		return "", nil, fmt.Errorf("neither strace nor sh found on PATH: %w", err)
	}
	return shPath, []string{"-c", shellJoin(cfg.Command)}, nil
}

// shellJoin single-quotes each argument for a POSIX shell. The pack's
// shell-word libraries (google/shlex, mattn/go-shellwords) only split
// command lines, they do not quote/join them, so this one direction is
// hand-rolled.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// Result reports what happened to the launched command.
type Result struct {
	Pid      int
	RootNS   uint32
	ExitCode int
}

// Launch starts cfg.Command in a new PID namespace with cfg.Capabilities
// as its ambient set, and blocks until it exits or ctx is cancelled. On
// cancellation it sends SIGINT, escalating to SIGKILL if the child has
// not exited within roughly one second, for a hard ~2 second watchdog
// budget (SIGINT wait + SIGKILL wait).
func Launch(ctx context.Context, log *logrus.Entry, cfg Config) (*Result, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("no command given")
	}

	if err := withEffective(capability.CAP_SETPCAP, func() error {
		return raiseAmbient(cfg.Capabilities)
	}); err != nil {
		return nil, err
	}

	path, args, err := buildExecCommand(cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  syscall.CLONE_NEWPID,
		AmbientCaps: ambientCapList(cfg.Capabilities),
	}
	if cfg.Inherit {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	err = withEffective(capability.CAP_SYS_ADMIN, cmd.Start)
	if err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	pid := cmd.Process.Pid

	var rootNS uint32
	err = withEffective(capability.CAP_SYS_PTRACE, func() error {
		ns, ok, err := pidNamespaceInode(pid)
		if ok {
			rootNS = ns
		}
		return err
	})
	if err != nil {
		log.WithError(err).Warn("failed to read child PID namespace inode")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return &Result{Pid: pid, RootNS: rootNS, ExitCode: exitCodeOf(err)}, nil
	case <-ctx.Done():
		return watch(log, cmd, done, pid, rootNS)
	}
}

// watch implements the SIGINT-then-SIGKILL escalation once the caller's
// context is cancelled.
func watch(log *logrus.Entry, cmd *exec.Cmd, done chan error, pid int, rootNS uint32) (*Result, error) {
	if err := cmd.Process.Signal(unix.SIGINT); err != nil {
		log.WithError(err).Warn("failed to send SIGINT")
	}

	if err, ok := pollExit(done); ok {
		return &Result{Pid: pid, RootNS: rootNS, ExitCode: exitCodeOf(err)}, nil
	}

	log.Warn("SIGINT wait timed out, escalating to SIGKILL")
	if err := cmd.Process.Kill(); err != nil {
		log.WithError(err).Warn("failed to send SIGKILL")
	}

	if err, ok := pollExit(done); ok {
		return &Result{Pid: pid, RootNS: rootNS, ExitCode: exitCodeOf(err)}, nil
	}

	return &Result{Pid: pid, RootNS: rootNS, ExitCode: -1}, fmt.Errorf("child did not exit after SIGKILL")
}

// pollExit waits up to watchdogRounds*watchdogPoll for done to receive a
// value, reporting (value, true) if it did, or (nil, false) on timeout.
func pollExit(done chan error) (error, bool) {
	for i := 0; i < watchdogRounds; i++ {
		select {
		case err := <-done:
			return err, true
		case <-time.After(watchdogPoll):
		}
	}
	return nil, false
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func pidNamespaceInode(pid int) (uint32, bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d/ns/pid", pid), &st); err != nil {
		return 0, false, err
	}
	return uint32(st.Ino), true, nil
}
