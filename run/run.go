// Package run sequences one sandbox launch: it merges the permission
// context, composes the helper argument stream, compiles the syscall
// filter, confirms bus proxies are listening and finally hands control
// to the namespace setup helper.
package run

import (
	"context"
	"fmt"
	"os"
	"path"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/dbus"
	"git.gensokyo.uk/security/kist/instance"
	"git.gensokyo.uk/security/kist/internal/fmsg"
	"git.gensokyo.uk/security/kist/internal/proc"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
	"git.gensokyo.uk/security/kist/layout"
	"git.gensokyo.uk/security/kist/ldcache"
	"git.gensokyo.uk/security/kist/portal"
	"git.gensokyo.uk/security/kist/seccomp"
)

// HelperName is the file name or path of the namespace setup helper.
var HelperName = "bwrap"

const (
	innerApp = "/app"
	innerUsr = "/usr"

	infoDest = "/.kist-info"
)

// App is the resolved input of one launch, supplied by the deployment
// collaborator: directory trees, commits, extension lists and the
// three permission context layers.
type App struct {
	ID string

	AppPath   string
	AppCommit string

	RuntimePath   string
	RuntimeCommit string

	AppExtensions     []kst.Extension
	RuntimeExtensions []kst.Extension

	// runtime defaults, lowest precedence
	Runtime *kst.Context
	// application declaration
	Declared *kst.Context
	// caller overrides, highest precedence
	Overrides *kst.Context

	// declared entry point
	Command string
}

// Spec is a fully composed launch, ready for hand off to the helper.
type Spec struct {
	Tokens  []string
	Files   []*os.File
	Command []string

	Instance *instance.Instance
	Setup    *dbus.Setup
}

// Close releases everything acquired during composition. It is only
// useful on the error path; a running sandbox owns these resources.
func (s *Spec) Close() {
	if s.Setup != nil {
		s.Setup.Close()
	}
	for _, f := range s.Files {
		_ = f.Close()
	}
	if s.Instance != nil {
		_ = s.Instance.Close()
	}
}

// Compose walks the launch state machine up to the point where the
// helper process would be started. Any failure aborts the whole
// launch; there is no partially composed sandbox.
func Compose(ctx context.Context, s sys.System, app *App, opts *kst.Options) (*Spec, error) {
	if app.RuntimePath == "" {
		return nil, kst.Failf("resolve permission context", "no runtime tree")
	}

	c := kst.Merge(kst.Merge(app.Runtime, app.Declared), app.Overrides)
	if opts.Sandboxed {
		c.ResetToSandboxed()
	}
	fmsg.Verbosef("effective grant: shares %v devices %v sockets %v",
		c.Shares, c.Devices, c.Sockets)

	inst, err := instance.Allocate(s.Paths().InstancePath)
	if err != nil {
		return nil, kst.Fail("allocate instance directory", err)
	}
	spec := &Spec{Instance: inst}

	b := bwrap.New()
	if err = baseArgs(b, s, app, c, opts); err != nil {
		spec.Close()
		return nil, kst.Fail("compose base namespace", err)
	}

	appRes, err := layout.Layer(b, innerApp, app.AppExtensions, app.AppCommit != "")
	if err != nil {
		spec.Close()
		return nil, kst.Fail("layer app extensions", err)
	}
	usrRes, err := layout.Layer(b, innerUsr, app.RuntimeExtensions, app.RuntimeCommit != "")
	if err != nil {
		spec.Close()
		return nil, kst.Fail("layer runtime extensions", err)
	}

	if err = ensureLdCache(ctx, s, b, app, appRes, usrRes); err != nil {
		spec.Close()
		return nil, kst.Fail("regenerate linker cache", err)
	}

	if err = compileFilter(b, opts); err != nil {
		spec.Close()
		return nil, kst.Fail("compile syscall filter", err)
	}

	if err = publishInfo(b, s, inst, app); err != nil {
		spec.Close()
		return nil, kst.Fail("publish instance info", err)
	}

	innerRuntime := fmt.Sprintf("/run/user/%d", s.Geteuid())
	setup, err := dbus.Prepare(ctx, s, app.ID, c, opts, innerRuntime)
	if err != nil {
		spec.Close()
		return nil, kst.Fail("prepare bus access", err)
	}
	spec.Setup = setup
	if err = setup.Start(ctx); err != nil {
		spec.Close()
		return nil, kst.Fail("start bus proxies", err)
	}
	setup.AppendTo(b)

	bindSockets(b, s, c, innerRuntime)
	bindDevices(b, c)
	if err = bindFilesystem(b, s, c); err != nil {
		spec.Close()
		return nil, kst.Fail("apply filesystem rules", err)
	}

	finalizeEnv(b, s, c, opts, innerRuntime)
	if opts.WorkingDir != "" {
		b.AddArgs("--chdir", opts.WorkingDir)
	}

	command := append([]string{app.Command}, opts.Command...)
	if opts.FileForwarding {
		if command, err = forwardFiles(ctx, app.ID, command); err != nil {
			spec.Close()
			return nil, kst.Fail("forward file arguments", err)
		}
	}
	spec.Command = command

	if spec.Tokens, spec.Files, err = b.Finish(); err != nil {
		spec.Close()
		return nil, kst.Fail("finalize helper arguments", err)
	}
	return spec, nil
}

// Run composes app and hands control to the namespace setup helper.
// In the foreground case the current process image is replaced and Run
// does not return on success.
func Run(ctx context.Context, s sys.System, app *App, opts *kst.Options) error {
	spec, err := Compose(ctx, s, app, opts)
	if err != nil {
		return err
	}

	helperPath, err := s.LookPath(HelperName)
	if err != nil {
		spec.Close()
		return kst.Fail("locate setup helper", err)
	}

	if opts.Background {
		cmd, err := proc.Command(ctx, helperPath, spec.Tokens, spec.Command, spec.Files)
		if err != nil {
			spec.Close()
			return kst.Fail("spawn setup helper", err)
		}
		if err = cmd.Start(); err != nil {
			spec.Close()
			return kst.Fail("spawn setup helper", err)
		}
		if err = spec.Instance.WritePid(cmd.Process.Pid); err != nil {
			return kst.Fail("record helper pid", err)
		}
		fmsg.Verbosef("sandbox %s running as pid %d", spec.Instance, cmd.Process.Pid)
		return nil
	}

	if err = proc.Exec(helperPath, spec.Tokens, spec.Command, spec.Files); err != nil {
		spec.Close()
		return kst.Fail("exec setup helper", err)
	}
	return nil
}

// ensureLdCache binds a content addressed linker cache when both trees
// are versioned, falling back to a search path variable otherwise.
func ensureLdCache(ctx context.Context, s sys.System, b *bwrap.Builder, app *App, appRes, usrRes *layout.Result) error {
	ldPath := append(appRes.LdLibraryPath, usrRes.LdLibraryPath...)
	if app.RuntimeCommit == "" {
		if len(ldPath) > 0 {
			b.SetEnv("LD_LIBRARY_PATH", joinPaths(ldPath))
		}
		return nil
	}

	k := &ldcache.Key{
		AppCommit:         app.AppCommit,
		RuntimeCommit:     app.RuntimeCommit,
		AppExtensions:     extensionIDs(app.AppExtensions),
		RuntimeExtensions: extensionIDs(app.RuntimeExtensions),
	}
	cacheDir := path.Join(s.Paths().CachePath, "ld.so.cache.d")

	helperPath, err := s.LookPath(HelperName)
	if err != nil {
		return err
	}
	searchDirs := append(appRes.LdSearchDirs, usrRes.LdSearchDirs...)
	f, err := ldcache.Ensure(ctx, cacheDir, k,
		ldcache.NewSandboxRegenerator(helperPath, app.RuntimePath, searchDirs))
	if err != nil {
		return err
	}

	// the handle keeps the entry alive for the sandbox lifetime
	b.AddArg("--ro-bind-fd").
		AddFdArg("", b.AddFd(f, bwrap.FdInherit)).
		AddArg("/etc/ld.so.cache")
	return nil
}

func compileFilter(b *bwrap.Builder, opts *kst.Options) error {
	pol := &seccomp.Policy{
		Devel:      opts.Devel,
		Multiarch:  opts.Multiarch,
		TargetArch: opts.TargetArch,
	}
	f, err := pol.Compile()
	if err != nil {
		return err
	}
	b.AddArg("--seccomp").AddFdArg("", b.AddFd(f, bwrap.FdCloseAfterSetup))
	return nil
}

func forwardFiles(ctx context.Context, appID string, command []string) ([]string, error) {
	d, err := portal.NewDocuments()
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Close() }()
	return portal.RewriteArgs(ctx, d, appID, command)
}

func extensionIDs(exts []kst.Extension) []string {
	if len(exts) == 0 {
		return nil
	}
	ids := make([]string, len(exts))
	for i := range exts {
		ids[i] = exts[i].InstalledID
	}
	return ids
}

func joinPaths(dirs []string) string {
	s := dirs[0]
	for _, d := range dirs[1:] {
		s += ":" + d
	}
	return s
}
