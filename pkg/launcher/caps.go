package launcher

import (
	"fmt"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"

	"github.com/capable-tools/capable/pkg/capset"
)

// requiredStartupCaps lists what this program needs to run at all: BPF
// and SYS_RESOURCE to load the kernel probe, SYS_ADMIN to unshare a PID
// namespace around the launched command, SYS_PTRACE to read a child's
// /proc/<pid>/ns/pid before it has finished executing, DAC_READ_SEARCH
// to read /proc/kallsyms regardless of its permission bits, and SETPCAP
// so this process may adjust its own capability sets in the first place.
var requiredStartupCaps = []capability.Cap{
	capability.CAP_SETPCAP,
	capability.CAP_BPF,
	capability.CAP_SYS_ADMIN,
	capability.CAP_SYS_RESOURCE,
	capability.CAP_SYS_PTRACE,
	capability.CAP_DAC_READ_SEARCH,
}

// CapabilitiesError is the friendly message surfaced when this process
// cannot toggle one of requiredStartupCaps. App.KnownError matches on it
// so main.go can print a one-line hint instead of a raw stack trace.
const CapabilitiesError = "You need at least setpcap, sys_admin, bpf, sys_resource, sys_ptrace, dac_read_search capabilities to run capable"

const capabilitiesError = CapabilitiesError

// toggleEffective flips one capability's EFFECTIVE bit on the calling
// process. Go, unlike a fork+pre_exec model, cannot run arbitrary code
// between fork and exec, so every capability bracket in this package
// toggles the current process rather than a not-yet-started child.
func toggleEffective(cap capability.Cap, enable bool) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}
	if enable {
		caps.Set(capability.EFFECTIVE, cap)
	} else {
		caps.Unset(capability.EFFECTIVE, cap)
	}
	if err := caps.Apply(capability.EFFECTIVE); err != nil {
		return fmt.Errorf("toggle %s effective: %w", cap, err)
	}
	return nil
}

// withEffective runs fn with cap raised in this process's effective set,
// then always lowers it again: every privileged step is wrapped in an
// elevate/do/drop bracket rather than staying elevated for the whole run.
func withEffective(cap capability.Cap, fn func() error) error {
	if err := toggleEffective(cap, true); err != nil {
		return fmt.Errorf("%s: %w", capabilitiesError, err)
	}
	defer toggleEffective(cap, false)
	return fn()
}

// ElevateStartup raises every capability this program needs merely to
// start (see requiredStartupCaps) into the effective set, runs fn, and
// always lowers them again. Callers use this once, around loading the
// kernel probe and raising the memlock limit, rather than bracketing
// each syscall individually the way withEffective does for the launcher.
func ElevateStartup(fn func() error) error {
	for _, cap := range requiredStartupCaps {
		if err := toggleEffective(cap, true); err != nil {
			return fmt.Errorf("%s: %w", capabilitiesError, err)
		}
	}
	defer func() {
		for _, cap := range requiredStartupCaps {
			toggleEffective(cap, false)
		}
	}()
	return fn()
}

// raiseAmbient sets the calling process's inheritable, permitted, and
// effective sets to exactly caps, with keepcaps disabled, so that the
// AmbientCaps entries later handed to SysProcAttr are legal (the kernel
// requires a capability to already be inheritable and permitted before
// it can be raised into the ambient set at exec time).
func raiseAmbient(caps capset.Set) error {
	c, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := c.Load(); err != nil {
		return err
	}
	c.Clear(capability.CAPS)
	for _, name := range caps.Names() {
		mc, err := capset.Parse(name)
		if err != nil {
			continue
		}
		mobyCap := capability.Cap(mc)
		c.Set(capability.INHERITABLE|capability.PERMITTED|capability.EFFECTIVE, mobyCap)
	}
	if err := c.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("raise ambient capability set: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("disable keepcaps: %w", err)
	}
	return nil
}

// ambientCapList converts a capset.Set into the []uintptr SysProcAttr
// expects for AmbientCaps.
func ambientCapList(caps capset.Set) []uintptr {
	var out []uintptr
	for _, name := range caps.Names() {
		c, err := capset.Parse(name)
		if err != nil {
			continue
		}
		out = append(out, uintptr(c))
	}
	return out
}
