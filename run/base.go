package run

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

// usrLinks are the top level symlinks of a merged-/usr root.
var usrLinks = [...]string{"lib", "lib64", "bin", "sbin", "etc"}

// baseArgs appends the namespace and base filesystem tokens every
// sandbox starts from.
func baseArgs(b *bwrap.Builder, s sys.System, app *App, c *kst.Context, opts *kst.Options) error {
	b.AddArgs("--unshare-pid", "--unshare-uts", "--unshare-cgroup-try")
	if c.Shares&kst.ShareNetwork == 0 {
		b.AddArg("--unshare-net")
	}
	if c.Shares&kst.ShareIPC == 0 {
		b.AddArg("--unshare-ipc")
	}
	if opts.DieWithParent {
		b.AddArg("--die-with-parent")
	}

	if err := sharePidNamespace(b, s, opts); err != nil {
		return err
	}

	b.AddArgs("--proc", "/proc")
	b.AddArgs("--tmpfs", "/tmp")
	b.AddArgs("--tmpfs", "/run")

	b.AddArgs("--ro-bind", app.RuntimePath, innerUsr)
	for _, l := range usrLinks {
		if _, err := s.Stat(path.Join(app.RuntimePath, l)); err != nil {
			continue
		}
		b.AddArgs("--symlink", "usr/"+l, "/"+l)
	}
	if app.AppPath != "" {
		b.AddArgs("--ro-bind", app.AppPath, innerApp)
	}

	innerRuntime := fmt.Sprintf("/run/user/%d", s.Geteuid())
	b.AddArgs("--perms", "0700", "--dir", innerRuntime)
	return nil
}

// sharePidNamespace wires pid namespace sharing with either a named
// running instance or the launcher itself.
func sharePidNamespace(b *bwrap.Builder, s sys.System, opts *kst.Options) error {
	var nsPath string
	switch {
	case opts.SharePidsWith != "":
		pidFile := path.Join(s.Paths().InstancePath, opts.SharePidsWith, "pid")
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return err
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("bad pid file %q: %w", pidFile, err)
		}
		nsPath = fmt.Sprintf("/proc/%d/ns/pid", pid)
	case opts.ParentExposePids:
		nsPath = "/proc/self/ns/pid"
	default:
		return nil
	}

	f, err := os.Open(nsPath)
	if err != nil {
		return err
	}
	b.AddArg("--pidns").AddFdArg("", b.AddFd(f, bwrap.FdInherit))
	return nil
}
