package dbus

import (
	"context"
	"errors"
	"path"
	"strings"

	godbus "github.com/godbus/dbus/v5"

	"git.gensokyo.uk/security/kist/internal/sys"
)

// Kind names one of the three message buses the sandbox may reach.
type Kind uint8

const (
	SessionBus Kind = iota
	SystemBus
	A11yBus
)

func (k Kind) String() string {
	switch k {
	case SessionBus:
		return "session"
	case SystemBus:
		return "system"
	case A11yBus:
		return "a11y"
	default:
		return "invalid"
	}
}

var ErrNoAddress = errors.New("bus address not resolvable")

// SessionAddress resolves the upstream session bus address,
// preferring the address variable over the default runtime socket.
func SessionAddress(s sys.System) string {
	if addr, ok := s.LookupEnv("DBUS_SESSION_BUS_ADDRESS"); ok {
		return addr
	}
	return "unix:path=" + path.Join(s.Paths().RuntimePath, "bus")
}

// SystemAddress resolves the upstream system bus address.
func SystemAddress(s sys.System) string {
	if addr, ok := s.LookupEnv("DBUS_SYSTEM_BUS_ADDRESS"); ok {
		return addr
	}
	return "unix:path=/run/dbus/system_bus_socket"
}

// A11yAddress asks the accessibility bus launcher on the session bus
// for the dedicated a11y bus address.
func A11yAddress(ctx context.Context) (string, error) {
	conn, err := godbus.SessionBusPrivate()
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	if err = conn.Auth(nil); err != nil {
		return "", err
	}
	if err = conn.Hello(); err != nil {
		return "", err
	}

	var addr string
	if err = conn.Object("org.a11y.Bus", "/org/a11y/bus").
		CallWithContext(ctx, "org.a11y.Bus.GetAddress", 0).
		Store(&addr); err != nil {
		return "", err
	}
	if addr == "" {
		return "", ErrNoAddress
	}
	return addr, nil
}

// SocketPath extracts the filesystem path from a unix transport
// address, or returns false for abstract and non-unix addresses.
func SocketPath(addr string) (string, bool) {
	// only the first transport entry is considered
	if i := strings.IndexByte(addr, ';'); i != -1 {
		addr = addr[:i]
	}
	const prefix = "unix:path="
	if !strings.HasPrefix(addr, prefix) {
		return "", false
	}
	p := strings.TrimPrefix(addr, prefix)
	if i := strings.IndexByte(p, ','); i != -1 {
		p = p[:i]
	}
	if p == "" || !path.IsAbs(p) {
		return "", false
	}
	return p, true
}
