// kist launches applications inside composed sandboxes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"git.gensokyo.uk/security/kist/instance"
	"git.gensokyo.uk/security/kist/internal/fmsg"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/run"
)

var std sys.System = new(sys.Std)

func main() {
	if os.Geteuid() == 0 {
		fmsg.Fatal("this program must not run as root")
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flags := pflag.NewFlagSet("kist", pflag.ExitOnError)
	flags.SetInterspersed(false)
	verbose := flags.BoolP("verbose", "v", false, "Print debug messages to stderr")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\tkist [-v] COMMAND [OPTIONS]\n\nCommands:\n"+
			"\trun\tLaunch an application sandbox\n"+
			"\tsweep\tReclaim stale instance directories\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		std.Exit(2)
	}
	fmsg.Store(*verbose)

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		std.Exit(2)
	}

	switch args[0] {
	case "run":
		runCommand(ctx, args[1:])
	case "sweep":
		sweepCommand(args[1:])
	default:
		fmsg.Printf("unknown command %q", args[0])
		std.Exit(2)
	}
}

func sweepCommand(args []string) {
	flags := pflag.NewFlagSet("sweep", pflag.ExitOnError)
	grace := flags.Duration("grace", instance.Grace, "Leave instances younger than this duration alone")
	if err := flags.Parse(args); err != nil {
		std.Exit(2)
	}

	n, err := instance.Sweep(std.Paths().InstancePath, *grace)
	if err != nil {
		fmsg.PrintError(err, "cannot sweep instance directories:")
		std.Exit(1)
	}
	fmsg.Verbosef("reclaimed %d instance directories", n)
}

func runCommand(ctx context.Context, args []string) {
	app, opts, err := parseRun(args)
	if err != nil {
		fmsg.PrintError(err, "cannot prepare launch:")
		std.Exit(1)
	}

	if err = run.Run(ctx, std, app, opts); err != nil {
		fmsg.PrintError(err, "cannot start sandbox:")
		std.Exit(1)
	}
}
