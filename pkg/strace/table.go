package strace

// argPos identifies which syscall argument (1-indexed) carries the path,
// or zero when the syscall carries no path worth recording (e.g. it only
// operates on an already-open file descriptor).
type argPos int

const (
	posNone argPos = iota
	posOne
	posTwo
	posThree
	posFour
	posFive
)

// callEntry is one row of the fixed syscall -> (path argument position,
// base access) table.
type callEntry struct {
	name   string
	pos    argPos
	access Access
}

// callTable is the 130-entry (syscall_name -> (path_arg_position,
// base_access)) table the mapper indexes into.
var callTable = []callEntry{
	{"access", posOne, 0},
	{"acct", posOne, 0},
	{"bsd43_fstat", posNone, 0},
	{"bsd43_fstatfs", posNone, 0},
	{"bsd43_lstat", posNone, 0},
	{"bsd43_oldfstat", posNone, 0},
	{"bsd43_oldstat", posNone, 0},
	{"bsd43_stat", posNone, 0},
	{"bsd43_statfs", posNone, 0},
	{"chdir", posOne, 0},
	{"chmod", posOne, 0},
	{"chown", posOne, 0},
	{"chown32", posOne, 0},
	{"chroot", posOne, 0},
	{"creat", posOne, W},
	{"execv", posOne, RX},
	{"execve", posOne, RX},
	{"execveat", posOne, RX},
	{"faccessat", posOne, 0},
	{"faccessat2", posOne, 0},
	{"fanotify_mark", posFive, 0},
	{"fchmodat", posTwo, 0},
	{"fchmodat2", posOne, 0},
	{"fchownat", posOne, 0},
	{"fsconfig", posFive, 0},
	{"fspick", posTwo, 0},
	{"fstat", posNone, 0},
	{"fstat64", posNone, 0},
	{"fstatat64", posNone, 0},
	{"fstatfs", posNone, 0},
	{"fstatfs64", posNone, 0},
	{"futimesat", posOne, W},
	{"getcwd", posOne, 0},
	{"getxattr", posOne, R},
	{"inotify_add_watch", posOne, 0},
	{"lchown", posOne, 0},
	{"lchown32", posOne, 0},
	{"lgetxattr", posOne, R},
	{"link", posTwo, W},
	{"linkat", posFour, W},
	{"listxattr", posOne, R},
	{"llistxattr", posOne, R},
	{"lremovexattr", posOne, W},
	{"lsetxattr", posOne, W},
	{"lstat", posOne, 0},
	{"lstat64", posOne, 0},
	{"mkdir", posOne, W},
	{"mkdirat", posTwo, W},
	{"mknod", posOne, W},
	{"mknodat", posTwo, W},
	{"mount", posNone, 0},
	{"mount_setattr", posNone, 0},
	{"move_mount", posNone, 0},
	{"name_to_handle_at", posTwo, R},
	{"newfstatat", posNone, 0},
	{"oldfstat", posNone, 0},
	{"oldlstat", posNone, 0},
	{"oldstat", posNone, 0},
	{"oldumount", posNone, 0},
	{"open", posOne, 0},
	{"openat", posTwo, 0},
	{"openat2", posTwo, 0},
	{"open_tree", posTwo, 0},
	{"osf_fstat", posNone, 0},
	{"osf_fstatfs", posNone, 0},
	{"osf_fstatfs64", posNone, 0},
	{"osf_lstat", posNone, 0},
	{"osf_old_fstat", posNone, 0},
	{"osf_old_lstat", posNone, 0},
	{"osf_old_stat", posNone, 0},
	{"osf_stat", posNone, 0},
	{"osf_statfs", posNone, 0},
	{"osf_statfs64", posNone, 0},
	{"osf_utimes", posOne, W},
	{"pivot_root", posOne, 0},
	{"posix_fstat", posNone, 0},
	{"posix_fstatfs", posNone, 0},
	{"posix_lstat", posNone, 0},
	{"posix_stat", posNone, 0},
	{"posix_statfs", posNone, 0},
	{"quotactl", posNone, 0},
	{"readlink", posOne, R},
	{"readlinkat", posTwo, R},
	{"removexattr", posOne, 0},
	{"rename", posOne, W},
	{"renameat", posTwo, W},
	{"renameat2", posTwo, W},
	{"rmdir", posOne, W},
	{"setxattr", posOne, 0},
	{"stat", posNone, 0},
	{"stat64", posNone, 0},
	{"statfs", posNone, 0},
	{"statfs64", posNone, 0},
	{"statx", posTwo, 0},
	{"svr4_fstat", posNone, 0},
	{"svr4_fstatfs", posNone, 0},
	{"svr4_fstatvfs", posNone, 0},
	{"svr4_fxstat", posNone, 0},
	{"svr4_lstat", posNone, 0},
	{"svr4_lxstat", posNone, 0},
	{"svr4_stat", posNone, 0},
	{"svr4_statfs", posNone, 0},
	{"svr4_statvfs", posNone, 0},
	{"svr4_xstat", posNone, 0},
	{"swapoff", posOne, 0},
	{"swapon", posOne, 0},
	{"symlink", posOne, W},
	{"symlinkat", posTwo, W},
	{"sysv_fstat", posNone, 0},
	{"sysv_fstatfs", posNone, 0},
	{"sysv_fstatvfs", posNone, 0},
	{"sysv_fxstat", posNone, 0},
	{"sysv_lstat", posNone, 0},
	{"sysv_lxstat", posNone, 0},
	{"sysv_quotactl", posNone, 0},
	{"sysv_stat", posNone, 0},
	{"sysv_statfs", posNone, 0},
	{"sysv_statvfs", posNone, 0},
	{"sysv_xstat", posNone, 0},
	{"truncate", posOne, W},
	{"truncate64", posOne, W},
	{"umount", posNone, 0},
	{"umount2", posNone, 0},
	{"unlink", posOne, W},
	{"unlinkat", posTwo, W},
	{"uselib", posNone, 0},
	{"utime", posOne, W},
	{"utimensat", posTwo, W},
	{"utimensat_time64", posTwo, W},
	{"utimes", posOne, W},
}

func lookupCall(name string) (callEntry, bool) {
	for _, c := range callTable {
		if c.name == name {
			return c, true
		}
	}
	return callEntry{}, false
}
