package ldcache

import (
	"context"
	"fmt"
	"strings"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/proc"
)

// innerScratch is where the scratch directory surfaces inside the
// nested sandbox.
const innerScratch = "/run/ld-so-cache-dir"

// NewSandboxRegenerator returns a Regenerator that re-invokes the
// namespace setup helper over a minimal root: the runtime read-only at
// /usr and the scratch directory writable, nothing else. The cache tool
// runs inside and writes ld.so.cache into the scratch directory.
func NewSandboxRegenerator(helperPath, runtimePath string, ldSearchDirs []string) Regenerator {
	return func(ctx context.Context, scratch string) error {
		b := bwrap.New()
		b.AddArg("--unshare-all").
			AddArg("--die-with-parent").
			AddArgs("--chdir", "/").
			AddArgs("--ro-bind", runtimePath, "/usr").
			AddArgs("--symlink", "usr/lib", "/lib").
			AddArgs("--symlink", "usr/lib64", "/lib64").
			AddArgs("--symlink", "usr/bin", "/bin").
			AddArgs("--symlink", "usr/sbin", "/sbin").
			AddArgs("--proc", "/proc").
			AddArgs("--tmpfs", "/tmp").
			AddArgs("--bind", scratch, innerScratch)

		conf := new(strings.Builder)
		for _, dir := range ldSearchDirs {
			conf.WriteString(dir + "\n")
		}
		conf.WriteString("/usr/lib\n/usr/lib64\n")
		if err := b.AddData("ld.so.conf", []byte(conf.String()), "/etc/ld.so.conf"); err != nil {
			return err
		}

		tokens, files, err := b.Finish()
		if err != nil {
			return err
		}
		defer func() {
			for _, f := range files {
				_ = f.Close()
			}
		}()

		command := []string{
			"ldconfig", "-X",
			"-C", innerScratch + "/ld.so.cache",
			"-f", "/etc/ld.so.conf",
		}
		cmd, err := proc.Command(ctx, helperPath, tokens, command, files)
		if err != nil {
			return err
		}
		if err = cmd.Run(); err != nil {
			return fmt.Errorf("regenerate ld cache: %w", err)
		}
		return nil
	}
}
