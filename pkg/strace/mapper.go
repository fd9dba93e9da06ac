package strace

import (
	"path/filepath"
	"strings"
)

// mutatesParent is the set of syscalls that add or remove a directory
// entry, and therefore require write access on the immediate parent
// directory rather than just traversal (execute) access on it.
var mutatesParent = map[string]bool{
	"creat":     true,
	"mkdir":     true,
	"mkdirat":   true,
	"mknod":     true,
	"mknodat":   true,
	"rename":    true,
	"renameat":  true,
	"renameat2": true,
	"rmdir":     true,
	"unlink":    true,
	"unlinkat":  true,
	"link":      true,
	"linkat":    true,
	"symlink":   true,
	"symlinkat": true,
}

// BuildAccessMap folds a decoded strace record stream into a path ->
// Access map, merging repeated visits to the same path by bitwise union.
// Each path is canonicalized (filepath.Clean) before it is recorded, and
// every directory on the path leading up to it is walked and granted
// implied X access (the traversal a path lookup requires), plus W on the
// immediate parent for syscalls that create or remove a directory entry.
//
// lstat, when non-nil, is consulted per path (leaf and every ancestor
// directory) to strip access bits that the file's POSIX "other"
// permission triad already grants to everyone; a request the world can
// already make needs no entry in the emitted policy. Pass nil to skip
// this filtering (e.g. in tests, or when the target filesystem is
// unavailable).
func BuildAccessMap(lines []Line, lstat func(path string) (mode uint32, ok bool)) map[string]Access {
	result := make(map[string]Access)

	for _, l := range lines {
		if l.IsError && l.Errno == "ENOENT" {
			continue
		}

		entry, ok := lookupCall(l.Name)
		if !ok || entry.pos == posNone {
			continue
		}

		idx := int(entry.pos) - 1
		if idx < 0 || idx >= len(l.Args) {
			continue
		}
		path := l.Args[idx]
		if path == "" {
			continue
		}
		path = filepath.Clean(path)

		access := entry.access
		creates := mutatesParent[l.Name]
		switch l.Name {
		case "open", "openat", "openat2":
			access = decodeOpenAccess(l.Args)
			creates = opensWithCreate(l.Args)
		}

		recordAccess(result, lstat, path, access)
		walkParents(result, lstat, path, creates)
	}

	return result
}

// recordAccess folds access into result[path], first stripping whatever
// the POSIX "other" bits on path already grant, if lstat is available.
func recordAccess(result map[string]Access, lstat func(path string) (uint32, bool), path string, access Access) {
	if access.IsEmpty() {
		return
	}
	if lstat != nil {
		if mode, ok := lstat(path); ok {
			access &^= posixOtherAccess(mode)
		}
	}
	if access.IsEmpty() {
		return
	}
	result[path] = result[path].Union(access)
}

// walkParents grants implied traversal access on every ancestor
// directory of path, up to and including "/". The immediate parent also
// gets W when the syscall that touched path creates or removes a
// directory entry (mkdir, unlink, rename, ...), since that requires
// write access on the directory itself, not just execute to pass
// through it.
func walkParents(result map[string]Access, lstat func(path string) (uint32, bool), path string, immediateParentWrites bool) {
	dir := filepath.Dir(path)
	for i := 0; ; i++ {
		access := X
		if i == 0 && immediateParentWrites {
			access |= W
		}
		recordAccess(result, lstat, dir, access)

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

// opensWithCreate reports whether an open/openat/openat2 argument list
// carries O_CREAT, meaning the call can add a directory entry.
func opensWithCreate(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "O_CREAT") {
			return true
		}
	}
	return false
}

// decodeOpenAccess reads the O_RDONLY/O_WRONLY/O_RDWR/O_CREAT flags out
// of an open/openat/openat2 argument list. The flags argument is the
// last positional argument before an optional mode, so it is located by
// scanning for the first token containing "O_".
func decodeOpenAccess(args []string) Access {
	flags := ""
	for _, a := range args {
		if strings.Contains(a, "O_") {
			flags = a
			break
		}
	}
	if flags == "" {
		return R
	}

	var access Access
	switch {
	case strings.Contains(flags, "O_RDWR"):
		access = RW
	case strings.Contains(flags, "O_WRONLY"):
		access = W
	default:
		access = R
	}
	if strings.Contains(flags, "O_CREAT") {
		access |= W
	}
	return access
}
