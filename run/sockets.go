package run

import (
	"path"
	"strings"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/fmsg"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

// bindSockets appends direct binds for the granted well known
// sockets. A socket missing from the host is skipped, not fatal; the
// grant only covers what exists.
func bindSockets(b *bwrap.Builder, s sys.System, c *kst.Context, innerRuntime string) {
	if c.Sockets&kst.SocketWayland != 0 {
		bindWayland(b, s, innerRuntime)
	}

	x11 := c.Sockets&kst.SocketX11 != 0
	if !x11 && c.Sockets&kst.SocketFallbackX11 != 0 {
		// fallback grant activates only on hosts without wayland
		x11 = !waylandPresent(s)
	}
	if x11 {
		bindX11(b, s)
	}

	if c.Sockets&kst.SocketPulseaudio != 0 {
		host := path.Join(s.Paths().RuntimePath, "pulse", "native")
		inner := path.Join(innerRuntime, "pulse", "native")
		if bindIfPresent(b, s, host, inner) {
			b.SetEnv("PULSE_SERVER", "unix:"+inner)
		}
	}

	if c.Sockets&kst.SocketSSHAuth != 0 {
		if host, ok := s.LookupEnv("SSH_AUTH_SOCK"); ok && host != "" {
			inner := path.Join(innerRuntime, "ssh-auth")
			if bindIfPresent(b, s, host, inner) {
				b.SetEnv("SSH_AUTH_SOCK", inner)
			}
		}
	}

	if c.Sockets&kst.SocketPcsc != 0 {
		const sock = "/run/pcscd/pcscd.comm"
		if bindIfPresent(b, s, sock, sock) {
			b.SetEnv("PCSCLITE_CSOCK_NAME", sock)
		}
	}

	if c.Sockets&kst.SocketCups != 0 {
		const sock = "/run/cups/cups.sock"
		bindIfPresent(b, s, sock, sock)
	}
}

func waylandSocket(s sys.System) string {
	display, ok := s.LookupEnv("WAYLAND_DISPLAY")
	if !ok || display == "" {
		display = "wayland-0"
	}
	if path.IsAbs(display) {
		return display
	}
	return path.Join(s.Paths().RuntimePath, display)
}

func waylandPresent(s sys.System) bool {
	_, err := s.Stat(waylandSocket(s))
	return err == nil
}

func bindWayland(b *bwrap.Builder, s sys.System, innerRuntime string) {
	host := waylandSocket(s)
	inner := path.Join(innerRuntime, "wayland-0")
	if bindIfPresent(b, s, host, inner) {
		b.SetEnv("WAYLAND_DISPLAY", "wayland-0")
	}
}

func bindX11(b *bwrap.Builder, s sys.System) {
	display, ok := s.LookupEnv("DISPLAY")
	if !ok || display == "" {
		return
	}
	// only local displays of the form :N or unix:N are bindable
	n := display
	n = strings.TrimPrefix(n, "unix")
	if !strings.HasPrefix(n, ":") {
		fmsg.Verbosef("skipping non-local display %q", display)
		return
	}
	n = strings.TrimPrefix(n, ":")
	if i := strings.IndexByte(n, '.'); i != -1 {
		n = n[:i]
	}

	sock := "/tmp/.X11-unix/X" + n
	if bindIfPresent(b, s, sock, sock) {
		b.SetEnv("DISPLAY", ":"+n)
		if xauth, ok := s.LookupEnv("XAUTHORITY"); ok {
			const innerXauth = "/run/kist/Xauthority"
			if bindIfPresent(b, s, xauth, innerXauth) {
				b.SetEnv("XAUTHORITY", innerXauth)
			}
		}
	}
}

func bindIfPresent(b *bwrap.Builder, s sys.System, host, inner string) bool {
	if _, err := s.Stat(host); err != nil {
		fmsg.Verbosef("skipping %q: %v", host, err)
		return false
	}
	b.AddArgs("--bind", host, inner)
	return true
}
