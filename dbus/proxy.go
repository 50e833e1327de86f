package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/fmsg"
)

// ProxyName is the file name or path of the bus proxy program.
var ProxyName = "xdg-dbus-proxy"

// overridden in tests
var commandContext = exec.CommandContext

var (
	ErrProxyStarted    = errors.New("proxy already started")
	ErrProxyNotRunning = errors.New("proxy not running")
	// ErrProxyHandshake is returned when the proxy exits before
	// confirming that its downstream socket is listening.
	ErrProxyHandshake = errors.New("proxy closed status pipe before ready")
)

// Proxy holds a bus proxy process and its upstream/downstream address
// pair. The zero value is not safe for use; call New.
type Proxy struct {
	name   string
	bus    [2]string
	config *Config

	cmd  *os.Process
	wait chan error
	stat *os.File

	mu sync.Mutex
}

func (p *Proxy) String() string {
	return fmt.Sprintf("%s on %q", p.name, p.bus)
}

// New returns a proxy for the address pair bus filtered through config.
func New(bus [2]string, config *Config) *Proxy {
	return &Proxy{name: ProxyName, bus: bus, config: config}
}

// Start spawns the proxy process, writes its argument block over a
// pipe and blocks until the proxy signals over its status pipe that
// the downstream socket is listening. A status pipe closed without a
// byte written means the proxy died before becoming ready, and Start
// returns ErrProxyHandshake.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrProxyStarted
	}

	wt, err := bwrap.NewCheckedArgs(p.config.Args(p.bus))
	if err != nil {
		return err
	}

	argsR, argsW, err := os.Pipe()
	if err != nil {
		return err
	}
	statR, statW, err := os.Pipe()
	if err != nil {
		_ = argsR.Close()
		_ = argsW.Close()
		return err
	}

	cmd := commandContext(ctx, p.name)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = make([]string, 0)
	cmd.ExtraFiles = []*os.File{argsR, statW}
	// argsR and statW surface in the child as descriptors 3 and 4
	cmd.Args = append(cmd.Args, "--args=3", "--fd=4")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	fmsg.Verbosef("starting bus proxy for %q", p.bus[0])
	if err = cmd.Start(); err != nil {
		_ = argsR.Close()
		_ = argsW.Close()
		_ = statR.Close()
		_ = statW.Close()
		return err
	}
	// child ends travel with the process
	_ = argsR.Close()
	_ = statW.Close()

	if _, err = wt.WriteTo(argsW); err != nil {
		_ = argsW.Close()
		_ = statR.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	_ = argsW.Close()

	wait := make(chan error, 1)
	go func() { wait <- cmd.Wait() }()

	// the proxy writes exactly one byte once its sockets listen
	ready := [1]byte{}
	if n, err1 := statR.Read(ready[:]); err1 != nil || n != 1 {
		_ = statR.Close()
		err = <-wait
		if err == nil {
			err = ErrProxyHandshake
		}
		return err
	}

	p.cmd = cmd.Process
	p.wait = wait
	p.stat = statR
	return nil
}

// Wait blocks until the proxy process exits. Dropping the read end of
// the status pipe on return lets a proxy blocked on it terminate.
func (p *Proxy) Wait() error {
	p.mu.Lock()
	if p.cmd == nil {
		p.mu.Unlock()
		return ErrProxyNotRunning
	}
	wait, stat := p.wait, p.stat
	p.mu.Unlock()

	err := <-wait
	_ = stat.Close()
	return err
}

// Close terminates the proxy process.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return ErrProxyNotRunning
	}
	return p.cmd.Kill()
}
