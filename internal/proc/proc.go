// Package proc prepares and starts the namespace setup helper process.
// All configuration travels as explicit tokens over a descriptor; the
// helper never receives a real process environment.
package proc

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"git.gensokyo.uk/security/kist/bwrap"
)

// ArgsFile serialises tokens into a sealed anonymous file readable by
// the helper through its --args descriptor.
func ArgsFile(tokens []string) (*os.File, error) {
	wt, err := bwrap.NewCheckedArgs(tokens)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if _, err = wt.WriteTo(buf); err != nil {
		return nil, err
	}
	return bwrap.NewMemfd("bwrap-args", buf.Bytes())
}

// Command returns a prepared helper invocation. files are exposed to the
// helper as descriptors 3 onwards in order, matching the numbers
// assigned by [bwrap.Builder.Finish]; the token stream rides one
// descriptor past them.
func Command(ctx context.Context, helperPath string, tokens, command []string, files []*os.File) (*exec.Cmd, error) {
	argsFile, err := ArgsFile(tokens)
	if err != nil {
		return nil, err
	}

	extra := make([]*os.File, 0, len(files)+1)
	extra = append(extra, files...)
	extra = append(extra, argsFile)
	argsFd := 3 + len(extra) - 1

	cmd := exec.CommandContext(ctx, helperPath)
	cmd.Args = append(cmd.Args, "--args", strconv.Itoa(argsFd))
	cmd.Args = append(cmd.Args, command...)
	cmd.ExtraFiles = extra
	// no ambient environment ever reaches the helper
	cmd.Env = make([]string, 0)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd, nil
}

// Exec replaces the current process with the helper. Descriptors are
// moved into the numbers assigned during Finish before control
// transfers; this call does not return on success.
func Exec(helperPath string, tokens, command []string, files []*os.File) error {
	argsFile, err := ArgsFile(tokens)
	if err != nil {
		return err
	}

	all := make([]*os.File, 0, len(files)+1)
	all = append(all, files...)
	all = append(all, argsFile)
	argsFd := 3 + len(all) - 1

	// stage one: park every descriptor above the target range so a
	// source is never clobbered before it is copied
	bound := 3 + len(all)
	temps := make([]int, len(all))
	for i, f := range all {
		if temps[i], err = unix.FcntlInt(f.Fd(), unix.F_DUPFD, bound); err != nil {
			return err
		}
	}
	for _, f := range all {
		_ = f.Close()
	}

	// stage two: move into place with close-on-exec cleared
	for i, temp := range temps {
		if err = unix.Dup3(temp, 3+i, 0); err != nil {
			return err
		}
		_ = unix.Close(temp)
	}

	argv := make([]string, 0, 3+len(command))
	argv = append(argv, helperPath, "--args", strconv.Itoa(argsFd))
	argv = append(argv, command...)
	return unix.Exec(helperPath, argv, []string{})
}
