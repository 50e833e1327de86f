package dbus

import (
	"context"
	"os"
	"path"

	"github.com/google/uuid"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/fmsg"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

// Setup holds the bus access prepared for one sandbox: zero or more
// proxies to supervise plus the binds and address variables the inner
// process needs. Proxies are spawned by Start; the builder fragment is
// only valid once Start returns.
type Setup struct {
	Proxies []*Proxy

	b *bwrap.Builder
}

// Prepare decides access for each of the three buses.
//
// A bus whose socket bit grants full access is bound directly into the
// sandbox. Otherwise, when the upstream address resolves and proxies
// are not disabled, a filtering proxy is interposed and its downstream
// socket bound instead. A bus that is neither granted nor proxied is
// simply absent from the sandbox.
func Prepare(ctx context.Context, s sys.System, appID string, c *kst.Context, o *kst.Options, innerRuntime string) (*Setup, error) {
	setup := &Setup{b: bwrap.New()}

	proxyDir := path.Join(s.Paths().ProxyPath, uuid.NewString())
	mkProxyDir := func() error { return os.MkdirAll(proxyDir, 0700) }

	// session bus
	sessionInner := path.Join(innerRuntime, "bus")
	sessionAddr := SessionAddress(s)
	if c.Sockets&kst.SocketSessionBus != 0 {
		if p, ok := SocketPath(sessionAddr); ok {
			setup.bindBus(p, sessionInner, "DBUS_SESSION_BUS_ADDRESS")
		} else {
			// non-socket transport still goes through a proxy,
			// albeit an unfiltered one
			if err := mkProxyDir(); err != nil {
				return nil, err
			}
			sock := path.Join(proxyDir, "bus")
			setup.addProxy(sessionAddr, sock, &Config{Log: o.LogSessionBus})
			setup.bindBus(sock, sessionInner, "DBUS_SESSION_BUS_ADDRESS")
		}
	} else if !o.NoProxy && busReachable(sessionAddr) {
		if err := mkProxyDir(); err != nil {
			return nil, err
		}
		sock := path.Join(proxyDir, "bus")
		setup.addProxy(sessionAddr, sock, NewSessionConfig(appID, c, o.LogSessionBus))
		setup.bindBus(sock, sessionInner, "DBUS_SESSION_BUS_ADDRESS")
	}

	// system bus
	const systemInner = "/run/dbus/system_bus_socket"
	systemAddr := SystemAddress(s)
	if c.Sockets&kst.SocketSystemBus != 0 {
		if p, ok := SocketPath(systemAddr); ok {
			setup.bindBus(p, systemInner, "DBUS_SYSTEM_BUS_ADDRESS")
		} else {
			if err := mkProxyDir(); err != nil {
				return nil, err
			}
			sock := path.Join(proxyDir, "system_bus_socket")
			setup.addProxy(systemAddr, sock, &Config{Log: o.LogSystemBus})
			setup.bindBus(sock, systemInner, "DBUS_SYSTEM_BUS_ADDRESS")
		}
	} else if !o.NoProxy && busReachable(systemAddr) {
		if err := mkProxyDir(); err != nil {
			return nil, err
		}
		sock := path.Join(proxyDir, "system_bus_socket")
		setup.addProxy(systemAddr, sock, NewSystemConfig(c, o.LogSystemBus))
		setup.bindBus(sock, systemInner, "DBUS_SYSTEM_BUS_ADDRESS")
	}

	// a11y bus, always filtered
	if c.Sockets&kst.SocketA11yBus != 0 && !o.NoProxy {
		if addr, err := A11yAddress(ctx); err != nil {
			fmsg.Verbosef("cannot resolve a11y bus address: %v", err)
		} else {
			if err = mkProxyDir(); err != nil {
				return nil, err
			}
			a11yInner := path.Join(innerRuntime, "at-spi", "bus")
			sock := path.Join(proxyDir, "at-spi-bus")
			setup.addProxy(addr, sock, NewA11yConfig())
			setup.bindBus(sock, a11yInner, "AT_SPI_BUS_ADDRESS")
		}
	}

	return setup, nil
}

func (s *Setup) addProxy(addr, sock string, config *Config) {
	s.Proxies = append(s.Proxies, New([2]string{addr, sock}, config))
}

func (s *Setup) bindBus(hostPath, innerPath, addrVar string) {
	s.b.AddArgs("--bind", hostPath, innerPath)
	s.b.SetEnv(addrVar, "unix:path="+innerPath)
}

// Start spawns every prepared proxy and blocks until each has
// confirmed its downstream socket is listening. On failure the
// proxies already started are terminated.
func (s *Setup) Start(ctx context.Context) error {
	for i, p := range s.Proxies {
		if err := p.Start(ctx); err != nil {
			for _, q := range s.Proxies[:i] {
				_ = q.Close()
				_ = q.Wait()
			}
			return err
		}
	}
	return nil
}

// AppendTo moves the prepared binds and address variables into b.
func (s *Setup) AppendTo(b *bwrap.Builder) { b.Append(s.b) }

// Close terminates all running proxies.
func (s *Setup) Close() {
	for _, p := range s.Proxies {
		_ = p.Close()
	}
}

// Wait blocks until every proxy has exited.
func (s *Setup) Wait() error {
	var errF error
	for _, p := range s.Proxies {
		if err := p.Wait(); err != nil && errF == nil {
			errF = err
		}
	}
	return errF
}

func busReachable(addr string) bool {
	p, ok := SocketPath(addr)
	if !ok {
		// non-path transports are assumed live
		return true
	}
	_, err := os.Stat(p)
	return err == nil
}
