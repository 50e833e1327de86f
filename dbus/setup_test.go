package dbus

import (
	"context"
	"os"
	"path"
	"slices"
	"strings"
	"testing"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

func finishTokens(t *testing.T, s *Setup) []string {
	t.Helper()
	b := bwrap.New()
	s.AppendTo(b)
	tokens, files, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: error = %v", err)
	}
	for _, f := range files {
		_ = f.Close()
	}
	return tokens
}

func TestPrepareDirectBind(t *testing.T) {
	dir := t.TempDir()
	busPath := path.Join(dir, "bus")
	if err := os.WriteFile(busPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	s := &stubSys{
		env: map[string]string{"DBUS_SESSION_BUS_ADDRESS": "unix:path=" + busPath},
		p:   sys.Paths{ProxyPath: path.Join(dir, "dbus-proxy")},
	}
	setup, err := Prepare(context.Background(), s, "org.example.App",
		&kst.Context{Sockets: kst.SocketSessionBus},
		&kst.Options{NoProxy: true},
		"/run/user/1000")
	if err != nil {
		t.Fatalf("Prepare: error = %v", err)
	}

	if len(setup.Proxies) != 0 {
		t.Fatalf("Prepare: %d proxies for fully granted bus", len(setup.Proxies))
	}
	tokens := finishTokens(t, setup)
	wantBind := []string{"--bind", busPath, "/run/user/1000/bus"}
	if i := slices.Index(tokens, "--bind"); i == -1 ||
		!slices.Equal(tokens[i:i+3], wantBind) {
		t.Errorf("Prepare: tokens %q missing bind %q", tokens, wantBind)
	}
	wantEnv := []string{"--setenv", "DBUS_SESSION_BUS_ADDRESS", "unix:path=/run/user/1000/bus"}
	if i := slices.Index(tokens, "--setenv"); i == -1 ||
		!slices.Equal(tokens[i:i+3], wantEnv) {
		t.Errorf("Prepare: tokens %q missing %q", tokens, wantEnv)
	}
}

func TestPrepareFilteredProxy(t *testing.T) {
	dir := t.TempDir()
	busPath := path.Join(dir, "bus")
	if err := os.WriteFile(busPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	s := &stubSys{
		env: map[string]string{
			"DBUS_SESSION_BUS_ADDRESS": "unix:path=" + busPath,
			// point at a missing socket so the system bus is skipped
			"DBUS_SYSTEM_BUS_ADDRESS": "unix:path=" + path.Join(dir, "nonexistent"),
		},
		p: sys.Paths{ProxyPath: path.Join(dir, "dbus-proxy")},
	}
	setup, err := Prepare(context.Background(), s, "org.example.App",
		&kst.Context{}, &kst.Options{}, "/run/user/1000")
	if err != nil {
		t.Fatalf("Prepare: error = %v", err)
	}

	if len(setup.Proxies) != 1 {
		t.Fatalf("Prepare: %d proxies, want 1", len(setup.Proxies))
	}
	p := setup.Proxies[0]
	if p.bus[0] != "unix:path="+busPath {
		t.Errorf("Prepare: upstream address %q", p.bus[0])
	}
	if !strings.HasPrefix(p.bus[1], path.Join(dir, "dbus-proxy")+"/") {
		t.Errorf("Prepare: proxy socket %q outside proxy directory", p.bus[1])
	}
	if len(p.config.Own) == 0 || p.config.Own[0] != "org.example.App" {
		t.Errorf("Prepare: own rules %q", p.config.Own)
	}

	// downstream socket, not the real bus, is what gets bound
	tokens := finishTokens(t, setup)
	if i := slices.Index(tokens, "--bind"); i == -1 || tokens[i+1] != p.bus[1] {
		t.Errorf("Prepare: tokens %q do not bind %q", tokens, p.bus[1])
	}

	stubProxyCommand(t, "stub-ready")
	if err = setup.Start(context.Background()); err != nil {
		t.Fatalf("Start: error = %v", err)
	}
	setup.Close()
	_ = setup.Wait()
}

func TestPrepareAbsentSessionBus(t *testing.T) {
	dir := t.TempDir()
	s := &stubSys{
		env: map[string]string{
			"DBUS_SESSION_BUS_ADDRESS": "unix:path=" + path.Join(dir, "nonexistent"),
			"DBUS_SYSTEM_BUS_ADDRESS":  "unix:path=" + path.Join(dir, "nonexistent"),
		},
		p: sys.Paths{ProxyPath: path.Join(dir, "dbus-proxy")},
	}
	setup, err := Prepare(context.Background(), s, "org.example.App",
		&kst.Context{}, &kst.Options{}, "/run/user/1000")
	if err != nil {
		t.Fatalf("Prepare: error = %v", err)
	}

	// a host without a session bus gets no proxy and no bind; the
	// sandbox sees the bus as absent instead of the launch failing
	// over a dead handshake
	if len(setup.Proxies) != 0 {
		t.Fatalf("Prepare: %d proxies for unreachable bus", len(setup.Proxies))
	}
	if tokens := finishTokens(t, setup); len(tokens) != 0 {
		t.Errorf("Prepare: unexpected tokens %q", tokens)
	}
}

func TestPrepareNoProxy(t *testing.T) {
	dir := t.TempDir()
	s := &stubSys{
		env: map[string]string{
			"DBUS_SESSION_BUS_ADDRESS": "unix:path=" + path.Join(dir, "bus"),
			"DBUS_SYSTEM_BUS_ADDRESS":  "unix:path=" + path.Join(dir, "nonexistent"),
		},
		p: sys.Paths{ProxyPath: path.Join(dir, "dbus-proxy")},
	}
	setup, err := Prepare(context.Background(), s, "org.example.App",
		&kst.Context{}, &kst.Options{NoProxy: true}, "/run/user/1000")
	if err != nil {
		t.Fatalf("Prepare: error = %v", err)
	}
	if len(setup.Proxies) != 0 {
		t.Fatalf("Prepare: %d proxies with proxies disabled", len(setup.Proxies))
	}
	if tokens := finishTokens(t, setup); len(tokens) != 0 {
		t.Errorf("Prepare: unexpected tokens %q", tokens)
	}
}
