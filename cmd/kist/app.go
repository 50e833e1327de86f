package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"git.gensokyo.uk/security/kist/kst"
	"git.gensokyo.uk/security/kist/metadata"
	"git.gensokyo.uk/security/kist/run"
)

// parseRun assembles the resolved launch input from run subcommand
// flags and the application metadata keyfile.
func parseRun(args []string) (*run.App, *kst.Options, error) {
	flags := pflag.NewFlagSet("run", pflag.ExitOnError)

	metaPath := flags.String("metadata", "", "Application metadata keyfile (required)")
	runtimeMetaPath := flags.String("runtime-metadata", "", "Runtime metadata keyfile for default grants")
	appPath := flags.String("app-path", "", "Resolved application tree")
	appCommit := flags.String("app-commit", "", "Deployed application commit")
	runtimePath := flags.String("runtime-path", "", "Resolved runtime tree (required)")
	runtimeCommit := flags.String("runtime-commit", "", "Deployed runtime commit")
	appExtFile := flags.String("app-extensions", "", "JSON description of resolved application extensions")
	usrExtFile := flags.String("runtime-extensions", "", "JSON description of resolved runtime extensions")

	shares := flags.StringSlice("share", nil, "Additional share grants (ipc, network)")
	sockets := flags.StringSlice("socket", nil, "Additional socket grants")
	devices := flags.StringSlice("device", nil, "Additional device grants")
	filesystems := flags.StringSlice("filesystem", nil, "Additional filesystem grants")
	envs := flags.StringArray("env", nil, "Environment assignments KEY=VALUE")
	unsetEnvs := flags.StringSlice("unset-env", nil, "Environment keys to unset")

	opts := new(kst.Options)
	flags.BoolVar(&opts.Sandboxed, "sandboxed", false, "Discard every grant before composing")
	flags.BoolVar(&opts.Devel, "devel", false, "Allow profiling and trace syscalls")
	flags.BoolVar(&opts.DieWithParent, "die-with-parent", false, "Terminate the sandbox when the launcher exits")
	flags.StringVar(&opts.SharePidsWith, "share-pids-with", "", "Join the pid namespace of a running instance")
	flags.BoolVar(&opts.ParentExposePids, "parent-expose-pids", false, "Share the launcher's pid namespace")
	flags.BoolVar(&opts.ClearEnv, "clear-env", false, "Start from an empty environment")
	flags.BoolVar(&opts.FileForwarding, "file-forwarding", false, "Forward file arguments through the document portal")
	flags.BoolVar(&opts.Background, "background", false, "Spawn the sandbox and return")
	flags.BoolVar(&opts.NoProxy, "no-proxy", false, "Never spawn filtering bus proxies")
	flags.BoolVar(&opts.LogSessionBus, "log-session-bus", false, "Log filtered session bus traffic")
	flags.BoolVar(&opts.LogSystemBus, "log-system-bus", false, "Log filtered system bus traffic")
	flags.BoolVar(&opts.Multiarch, "multiarch", false, "Allow companion 32-bit architectures")
	flags.StringVar(&opts.TargetArch, "arch", "", "Additional syscall filter architecture")
	flags.StringVar(&opts.WorkingDir, "chdir", "", "Working directory inside the sandbox")

	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	opts.Command = flags.Args()

	if *metaPath == "" {
		return nil, nil, fmt.Errorf("the --metadata flag is required")
	}

	k, err := metadata.Load(*metaPath)
	if err != nil {
		return nil, nil, err
	}
	app := &run.App{
		AppPath:       *appPath,
		AppCommit:     *appCommit,
		RuntimePath:   *runtimePath,
		RuntimeCommit: *runtimeCommit,
	}
	if app.ID, err = k.ID(); err != nil {
		return nil, nil, err
	}
	if _, err = k.Runtime(); err != nil {
		return nil, nil, err
	}
	if app.Command, err = k.Command(); err != nil {
		return nil, nil, err
	}
	if app.Declared, err = k.Context(); err != nil {
		return nil, nil, err
	}

	if *runtimeMetaPath != "" {
		rk, err := metadata.Load(*runtimeMetaPath)
		if err != nil {
			return nil, nil, err
		}
		if app.Runtime, err = rk.Context(); err != nil {
			return nil, nil, err
		}
	}

	if app.AppExtensions, err = loadExtensions(*appExtFile); err != nil {
		return nil, nil, err
	}
	if app.RuntimeExtensions, err = loadExtensions(*usrExtFile); err != nil {
		return nil, nil, err
	}

	overrides := &kst.Context{
		Shares:  metadata.ParseShares(*shares),
		Sockets: metadata.ParseSockets(*sockets),
		Devices: metadata.ParseDevices(*devices),
	}
	for _, spec := range *filesystems {
		overrides.Filesystem = append(overrides.Filesystem, metadata.ParseFilesystemRule(spec))
	}
	if len(*envs) > 0 || len(*unsetEnvs) > 0 {
		overrides.Env = make(map[string]*string, len(*envs)+len(*unsetEnvs))
		for _, kv := range *envs {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, nil, fmt.Errorf("malformed environment assignment %q", kv)
			}
			v := value
			overrides.Env[key] = &v
		}
		for _, key := range *unsetEnvs {
			overrides.Env[key] = nil
		}
	}
	app.Overrides = overrides

	return app, opts, nil
}

func loadExtensions(name string) ([]kst.Extension, error) {
	if name == "" {
		return nil, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var exts []kst.Extension
	if err = json.Unmarshal(data, &exts); err != nil {
		return nil, fmt.Errorf("cannot parse extension description %q: %w", name, err)
	}
	return exts, nil
}
