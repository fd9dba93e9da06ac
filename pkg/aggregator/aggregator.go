// Package aggregator drains the Request stream produced by pkg/probe,
// de-duplicates by process identity, filters capability checks whose
// kernel stack indicates the check was benign, and exposes the resulting
// per-namespace capability sets for pkg/nstree to union.
package aggregator

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/capable-tools/capable/pkg/capset"
	"github.com/capable-tools/capable/pkg/probe"
)

// ProcessKey identifies a logical process. Equality/hash ignore GID and
// cover the other five fields, so multiple Requests from the same
// process merge without losing distinct transient ancestries.
type ProcessKey struct {
	Pid      int32
	Ppid     int32
	Uid      uint32
	ParentNS uint32
	NS       uint32
}

// CapSetEntry is a ProcessKey together with the CapSet accumulated for
// it, plus the GID observed on the first Request (carried for policy
// reporting; it is not part of the key).
type CapSetEntry struct {
	Key  ProcessKey
	Gid  uint32
	Caps capset.Set
}

// Aggregator drains a probe.Loader and builds the identity-keyed CapSet
// map consumed by the namespace-tree union step.
type Aggregator struct {
	log   *logrus.Entry
	ksyms *SymbolTable
}

// New builds an Aggregator. ksyms may be nil, in which case every symbol
// lookup misses and no stack-filter rule requiring a specific symbol ever
// fires (safe, just less precise).
func New(log *logrus.Entry, ksyms *SymbolTable) *Aggregator {
	return &Aggregator{log: log, ksyms: ksyms}
}

// Drain pops every Request off loader until the queue reports empty,
// returning the merged per-ProcessKey CapSetEntry map. Unknown capability
// indices (>40) are fatal: they indicate kernel/userspace table skew.
func (a *Aggregator) Drain(loader probe.Loader) (map[ProcessKey]*CapSetEntry, error) {
	entries := make(map[ProcessKey]*CapSetEntry)

	for {
		req, ok, err := loader.Pop()
		if err != nil {
			return nil, fmt.Errorf("drain request queue: %w", err)
		}
		if !ok {
			break
		}
		if err := a.apply(entries, loader, req); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func (a *Aggregator) apply(entries map[ProcessKey]*CapSetEntry, loader probe.Loader, req probe.Request) error {
	key := ProcessKey{
		Pid:      req.Pid,
		Ppid:     req.Ppid,
		Uid:      req.UID(),
		ParentNS: req.ParentNSID(),
		NS:       req.NSID(),
	}

	entry, ok := entries[key]
	if !ok {
		entry = &CapSetEntry{Key: key, Gid: req.GID()}
		entries[key] = entry
	}

	cap, ok := capset.FromIndex(req.Capability)
	if !ok {
		return fmt.Errorf("unknown capability index %d for pid %d", req.Capability, req.Pid)
	}

	symbols := a.resolveStack(loader, req.StackID)
	if a.suppresses(cap, symbols) {
		return nil
	}

	entry.Caps = entry.Caps.Add(cap)
	if a.log != nil {
		for _, sym := range symbols {
			a.log.Debugf("%s()", sym)
		}
	}
	return nil
}

// resolveStack resolves a Request's stack-trace id to kernel symbol
// names via the loader's stack-trace table and the startup-loaded
// SymbolTable. A missing stack-trace entry (already popped, or dropped
// under queue pressure) is a non-fatal skip: it resolves to no symbols,
// same as a symbol-lookup miss.
func (a *Aggregator) resolveStack(loader probe.Loader, stackID int64) []string {
	frames, ok := loader.StackFrames(stackID)
	if !ok {
		return nil
	}
	symbols := make([]string, 0, len(frames))
	for _, ip := range frames {
		if name, ok := a.ksyms.Resolve(ip); ok {
			symbols = append(symbols, name)
		}
	}
	return symbols
}

// suppresses implements the stack-filter rule set. A Request is dropped
// (capability bit not set) when any rule matches:
//   - SETUID whose stack contains cap_bprm_creds_from_file (suid-on-exec
//     bookkeeping).
//   - DAC_OVERRIDE unconditionally (observed empirically too noisy).
//   - DAC_READ_SEARCH whose stack contains may_open (benign path-walk
//     probing).
//   - SYS_PTRACE unconditionally; the launcher itself needs it, and it is
//     re-added later only if strace observed a real ptrace syscall.
//
// DAC_OVERRIDE and SYS_PTRACE are dropped unconditionally, regardless of
// stack. This is intentionally lossy: a command that genuinely requires
// either will undercount it in the emitted policy.
func (a *Aggregator) suppresses(cap capset.Cap, symbols []string) bool {
	switch cap {
	case capset.DAC_OVERRIDE:
		return true
	case capset.SYS_PTRACE:
		return true
	case capset.SETUID:
		return containsSymbol(symbols, "cap_bprm_creds_from_file")
	case capset.DAC_READ_SEARCH:
		return containsSymbol(symbols, "may_open")
	}
	return false
}

func containsSymbol(symbols []string, name string) bool {
	for _, s := range symbols {
		if s == name {
			return true
		}
	}
	return false
}
