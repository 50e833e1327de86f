package dbus

import (
	"io/fs"
	"os"
	"slices"
	"strings"
	"testing"

	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

// stubSys backs bus address resolution in tests.
type stubSys struct {
	env map[string]string
	p   sys.Paths
}

func (s *stubSys) Geteuid() int    { return 1000 }
func (s *stubSys) Getpid() int     { return 1 }
func (s *stubSys) TempDir() string { return os.TempDir() }
func (s *stubSys) LookupEnv(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}
func (s *stubSys) LookPath(file string) (string, error)       { return "/usr/bin/" + file, nil }
func (s *stubSys) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }
func (s *stubSys) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }
func (s *stubSys) Exit(code int)                              { panic("unreachable") }
func (s *stubSys) Paths() sys.Paths                           { return s.p }

func TestSessionAddress(t *testing.T) {
	s := &stubSys{env: map[string]string{
		"DBUS_SESSION_BUS_ADDRESS": "unix:path=/tmp/test/bus",
	}}
	if got := SessionAddress(s); got != "unix:path=/tmp/test/bus" {
		t.Errorf("SessionAddress: %q", got)
	}

	s = &stubSys{p: sys.Paths{RuntimePath: "/run/user/1000"}}
	if got := SessionAddress(s); got != "unix:path=/run/user/1000/bus" {
		t.Errorf("SessionAddress fallback: %q", got)
	}
}

func TestSystemAddress(t *testing.T) {
	s := &stubSys{}
	if got := SystemAddress(s); got != "unix:path=/run/dbus/system_bus_socket" {
		t.Errorf("SystemAddress fallback: %q", got)
	}
}

func TestSocketPath(t *testing.T) {
	testCases := []struct {
		addr string
		want string
		ok   bool
	}{
		{"unix:path=/run/user/1000/bus", "/run/user/1000/bus", true},
		{"unix:path=/run/user/1000/bus,guid=0", "/run/user/1000/bus", true},
		{"unix:path=/a;unix:path=/b", "/a", true},
		{"unix:abstract=/tmp/dbus-x", "", false},
		{"tcp:host=localhost,port=1", "", false},
		{"unix:path=relative", "", false},
		{"", "", false},
	}
	for _, tc := range testCases {
		got, ok := SocketPath(tc.addr)
		if got != tc.want || ok != tc.ok {
			t.Errorf("SocketPath(%q) = %q, %v; want %q, %v",
				tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSessionConfigArgs(t *testing.T) {
	c := NewSessionConfig("org.example.App", &kst.Context{
		Extra: map[string]string{"org.kde.StatusNotifierWatcher": "talk"},
	}, false)
	args := c.Args([2]string{"unix:path=/run/user/1000/bus", "/tmp/proxy/bus"})

	if args[0] != "unix:path=/run/user/1000/bus" || args[1] != "/tmp/proxy/bus" {
		t.Fatalf("Args: address pair not leading: %q", args[:2])
	}
	if args[2] != "--filter" {
		t.Errorf("Args: expected --filter after address pair, got %q", args[2])
	}
	for _, want := range []string{
		"--talk=org.freedesktop.DBus",
		"--talk=org.kde.StatusNotifierWatcher",
		"--own=org.example.App",
		"--own=org.example.App.*",
		"--call=org.freedesktop.portal.*=*",
		"--broadcast=org.freedesktop.portal.*=@/org/freedesktop/portal/*",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("Args: missing %q in %q", want, args)
		}
	}
}

func TestSystemConfigArgs(t *testing.T) {
	c := NewSystemConfig(nil, true)
	args := c.Args([2]string{"unix:path=/run/dbus/system_bus_socket", "/tmp/proxy/system_bus_socket"})
	if !slices.Contains(args, "--filter") || !slices.Contains(args, "--log") {
		t.Errorf("Args: missing --filter or --log in %q", args)
	}
	for _, a := range args {
		if strings.HasPrefix(a, "--own=") {
			t.Errorf("Args: unexpected own rule %q on system bus", a)
		}
	}
}
