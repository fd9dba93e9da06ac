// Package capset provides the 41-entry Linux capability index/name table
// and the CapSet bitmask used throughout the probe, aggregator and policy
// layers to represent "which capabilities does this namespace need".
package capset

import (
	"fmt"
	"strings"
)

// Cap is a capability index in the exact order the kernel defines them
// (include/uapi/linux/capability.h). Index 0 is CAP_CHOWN, index 40 is
// CAP_CHECKPOINT_RESTORE.
type Cap uint8

const (
	CHOWN Cap = iota
	DAC_OVERRIDE
	DAC_READ_SEARCH
	FOWNER
	FSETID
	KILL
	SETGID
	SETUID
	SETPCAP
	LINUX_IMMUTABLE
	NET_BIND_SERVICE
	NET_BROADCAST
	NET_ADMIN
	NET_RAW
	IPC_LOCK
	IPC_OWNER
	SYS_MODULE
	SYS_RAWIO
	SYS_CHROOT
	SYS_PTRACE
	SYS_PACCT
	SYS_ADMIN
	SYS_BOOT
	SYS_NICE
	SYS_RESOURCE
	SYS_TIME
	SYS_TTY_CONFIG
	MKNOD
	LEASE
	AUDIT_WRITE
	AUDIT_CONTROL
	SETFCAP
	MAC_OVERRIDE
	MAC_ADMIN
	SYSLOG
	WAKE_ALARM
	BLOCK_SUSPEND
	AUDIT_READ
	PERFMON
	BPF
	CHECKPOINT_RESTORE

	numCaps = CHECKPOINT_RESTORE + 1
)

// names is kept as a single authoritative array indexed 0..40; never
// derived from an enum with gaps (design note: capability index table).
var names = [numCaps]string{
	"CHOWN", "DAC_OVERRIDE", "DAC_READ_SEARCH", "FOWNER", "FSETID", "KILL",
	"SETGID", "SETUID", "SETPCAP", "LINUX_IMMUTABLE", "NET_BIND_SERVICE",
	"NET_BROADCAST", "NET_ADMIN", "NET_RAW", "IPC_LOCK", "IPC_OWNER",
	"SYS_MODULE", "SYS_RAWIO", "SYS_CHROOT", "SYS_PTRACE", "SYS_PACCT",
	"SYS_ADMIN", "SYS_BOOT", "SYS_NICE", "SYS_RESOURCE", "SYS_TIME",
	"SYS_TTY_CONFIG", "MKNOD", "LEASE", "AUDIT_WRITE", "AUDIT_CONTROL",
	"SETFCAP", "MAC_OVERRIDE", "MAC_ADMIN", "SYSLOG", "WAKE_ALARM",
	"BLOCK_SUSPEND", "AUDIT_READ", "PERFMON", "BPF", "CHECKPOINT_RESTORE",
}

// FromIndex maps a capability index (as carried on the wire in a
// probe.Request) to a Cap. ok is false for indices beyond the 41-entry
// table, which callers must treat as fatal (kernel/table skew).
func FromIndex(idx uint8) (Cap, bool) {
	if int(idx) >= len(names) {
		return 0, false
	}
	return Cap(idx), true
}

// Name returns the bare name, e.g. "CHOWN".
func (c Cap) Name() string {
	if int(c) >= len(names) {
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
	return names[c]
}

// String returns the CAP_XXX form used in the output policy document.
func (c Cap) String() string {
	return "CAP_" + c.Name()
}

// Parse looks up a capability by its "CAP_XXX" or bare "XXX" name,
// case-insensitively.
func Parse(s string) (Cap, error) {
	trimmed := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "CAP_")
	for i, n := range names {
		if n == trimmed {
			return Cap(i), nil
		}
	}
	return 0, fmt.Errorf("unknown capability: %q", s)
}

// Set is a 64-bit mask over capability indices; union is bitwise OR.
type Set uint64

// All is the mask with every defined capability bit set.
func All() Set {
	var s Set
	for i := 0; i < len(names); i++ {
		s = s.Add(Cap(i))
	}
	return s
}

// Add returns the set with cap's bit set.
func (s Set) Add(c Cap) Set {
	return s | (1 << Set(c))
}

// Has reports whether cap's bit is set.
func (s Set) Has(c Cap) bool {
	return s&(1<<Set(c)) != 0
}

// Union is bitwise OR over two sets.
func (s Set) Union(other Set) Set {
	return s | other
}

// IsEmpty reports whether no bits are set.
func (s Set) IsEmpty() bool {
	return s == 0
}

// Names returns every CAP_XXX string set in s, in index order.
func (s Set) Names() []string {
	out := make([]string, 0, len(names))
	for i := 0; i < len(names); i++ {
		if s.Has(Cap(i)) {
			out = append(out, Cap(i).String())
		}
	}
	return out
}

// ParseList parses a comma-separated list of capability names, or the
// literal "ALL" (case-insensitive) meaning every bit.
func ParseList(list string) (Set, error) {
	if strings.EqualFold(strings.TrimSpace(list), "ALL") {
		return All(), nil
	}
	var s Set
	if strings.TrimSpace(list) == "" {
		return s, nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := Parse(part)
		if err != nil {
			return 0, err
		}
		s = s.Add(c)
	}
	return s, nil
}

// ToPolicyList renders a Set for the output policy document: when every
// bit 0..40 is set, the single element "ALL"; otherwise the CAP_XXX names
// in index order. The string "ALL" never otherwise appears.
func (s Set) ToPolicyList() []string {
	if s == All() {
		return []string{"ALL"}
	}
	names := s.Names()
	if names == nil {
		return []string{}
	}
	return names
}
