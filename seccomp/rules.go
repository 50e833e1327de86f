package seccomp

import (
	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const eperm = int16(unix.EPERM)

// argCompare guards a denial on one syscall argument.
type argCompare struct {
	index uint
	op    libseccomp.ScmpCompare
	a, b  uint64
}

// denyRule is one entry of the declarative denial table, either
// unconditional or guarded by an argument comparison.
type denyRule struct {
	name  string
	errno int16
	arg   *argCompare
}

// baseDeny is applied to every launch.
//
// unshare and setns are denied for all namespace types while clone is
// denied only with CLONE_NEWUSER set; the asymmetry is intentional and
// must not be widened or narrowed without review.
var baseDeny = []denyRule{
	// kernel log and obsolete interfaces
	{name: "syslog", errno: eperm},
	{name: "uselib", errno: eperm},
	{name: "acct", errno: eperm},
	{name: "quotactl", errno: eperm},

	// kernel keyring
	{name: "add_key", errno: eperm},
	{name: "keyctl", errno: eperm},
	{name: "request_key", errno: eperm},

	// cross-process memory policy
	{name: "move_pages", errno: eperm},
	{name: "mbind", errno: eperm},
	{name: "get_mempolicy", errno: eperm},
	{name: "set_mempolicy", errno: eperm},
	{name: "migrate_pages", errno: eperm},

	// namespace and mount manipulation
	{name: "clone", errno: eperm, arg: &argCompare{
		index: 0, op: libseccomp.CompareMaskedEqual,
		a: unix.CLONE_NEWUSER, b: unix.CLONE_NEWUSER,
	}},
	{name: "unshare", errno: eperm},
	{name: "setns", errno: eperm},
	{name: "mount", errno: eperm},
	{name: "umount2", errno: eperm},
	{name: "pivot_root", errno: eperm},
	{name: "chroot", errno: eperm},

	// terminal input injection
	{name: "ioctl", errno: eperm, arg: &argCompare{
		index: 1, op: libseccomp.CompareMaskedEqual,
		a: 0xFFFFFFFF, b: unix.TIOCSTI,
	}},

	// non-native personality
	{name: "personality", errno: eperm, arg: &argCompare{
		index: 0, op: libseccomp.CompareNotEqual,
		a: unix.PER_LINUX,
	}},
}

// develDeny is skipped for developer launches.
var develDeny = []denyRule{
	{name: "perf_event_open", errno: eperm},
	{name: "ptrace", errno: eperm},
	{name: "process_vm_readv", errno: eperm},
	{name: "process_vm_writev", errno: eperm},
}
