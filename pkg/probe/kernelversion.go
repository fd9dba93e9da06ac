package probe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// minSupportedKernelMajor/Minor is the oldest kernel release this
// probe's CO-RE eBPF object is verified against. Running on anything
// older is not fatal -- cap_capable's signature and the task_struct
// fields this probe reads have been stable for a long time -- but it is
// the same kind of version-skew risk worth surfacing as a one-time,
// non-fatal warning before the probe attaches.
const (
	minSupportedKernelMajor = 5
	minSupportedKernelMinor = 8
)

// CheckKernelVersion compares the running kernel's release against
// minSupportedKernelMajor/Minor and returns a human-readable warning
// when the current kernel predates it, or when the version can't be
// determined at all. An empty string means no warning is warranted.
// This never returns an error: an unreadable or unparseable release
// string is itself worth warning about, not worth failing startup over.
func CheckKernelVersion() string {
	release, err := kernelRelease()
	if err != nil {
		return fmt.Sprintf("could not determine kernel version: %v", err)
	}

	major, minor, err := parseKernelRelease(release)
	if err != nil {
		return fmt.Sprintf("could not parse kernel version %q: %v", release, err)
	}

	if major < minSupportedKernelMajor || (major == minSupportedKernelMajor && minor < minSupportedKernelMinor) {
		return fmt.Sprintf(
			"running kernel %d.%d predates the %d.%d this probe was verified against; it may fail to load or behave unexpectedly",
			major, minor, minSupportedKernelMajor, minSupportedKernelMinor,
		)
	}
	return ""
}

func kernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	n := bytes.IndexByte(uts.Release[:], 0)
	if n < 0 {
		n = len(uts.Release)
	}
	return string(uts.Release[:n]), nil
}

func parseKernelRelease(release string) (int, int, error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected kernel release format")
	}
	major, err := strconv.Atoi(numericPrefix(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	minor, err := strconv.Atoi(numericPrefix(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}

// numericPrefix strips any trailing non-digit suffix a release
// component may carry (distro kernels sometimes append "-generic"-style
// tags even to the minor field).
func numericPrefix(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
