package dbus

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"testing"
)

// TestProxyStubProcess is not a test: it is re-executed as the proxy
// process by tests that stub commandContext, selected by the mode
// token following "--" in the argument list.
func TestProxyStubProcess(t *testing.T) {
	var mode string
	for i, a := range os.Args {
		if a == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
			break
		}
	}
	if mode == "" {
		return
	}

	args, err := io.ReadAll(os.NewFile(3, "args"))
	if err != nil || len(args) == 0 || args[len(args)-1] != 0 {
		os.Exit(2)
	}

	switch mode {
	case "stub-ready":
		if _, err = os.NewFile(4, "stat").Write([]byte{1}); err != nil {
			os.Exit(2)
		}
		// remain listening until killed
		select {}
	case "stub-exit":
		os.Exit(0)
	case "stub-fail":
		os.Exit(1)
	default:
		os.Exit(2)
	}
}

func stubProxyCommand(t *testing.T, mode string) {
	t.Helper()
	orig := commandContext
	commandContext = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		stub := append([]string{"-test.run=TestProxyStubProcess$", "--", mode}, arg...)
		return exec.CommandContext(ctx, os.Args[0], stub...)
	}
	t.Cleanup(func() { commandContext = orig })
}

func TestProxyStart(t *testing.T) {
	stubProxyCommand(t, "stub-ready")

	p := New(
		[2]string{"unix:path=/run/user/1000/bus", "/tmp/proxy/bus"},
		NewSessionConfig("org.example.App", nil, false),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: error = %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrProxyStarted) {
		t.Errorf("Start: repeated start error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: error = %v", err)
	}
	// killed by Close
	if err := p.Wait(); err == nil {
		t.Errorf("Wait: expected exit error after Close")
	}
}

func TestProxyHandshake(t *testing.T) {
	t.Run("silent exit", func(t *testing.T) {
		stubProxyCommand(t, "stub-exit")
		p := New([2]string{"unix:path=/tmp/x", "/tmp/y"}, NewSystemConfig(nil, false))
		if err := p.Start(context.Background()); !errors.Is(err, ErrProxyHandshake) {
			t.Errorf("Start: error = %v, want ErrProxyHandshake", err)
		}
	})

	t.Run("early failure", func(t *testing.T) {
		stubProxyCommand(t, "stub-fail")
		p := New([2]string{"unix:path=/tmp/x", "/tmp/y"}, NewSystemConfig(nil, false))
		var exitError *exec.ExitError
		if err := p.Start(context.Background()); !errors.As(err, &exitError) {
			t.Errorf("Start: error = %v, want exit error", err)
		}
	})
}

func TestProxyNotRunning(t *testing.T) {
	p := New([2]string{"unix:path=/tmp/x", "/tmp/y"}, nil)
	if err := p.Close(); !errors.Is(err, ErrProxyNotRunning) {
		t.Errorf("Close: error = %v", err)
	}
	if err := p.Wait(); !errors.Is(err, ErrProxyNotRunning) {
		t.Errorf("Wait: error = %v", err)
	}
}
