package kst_test

import (
	"reflect"
	"testing"

	"git.gensokyo.uk/security/kist/kst"
)

func TestMerge(t *testing.T) {
	set := func(s string) *string { return &s }

	base := &kst.Context{
		Shares:  kst.ShareIPC,
		Sockets: kst.SocketWayland,
		Filesystem: []kst.FilesystemRule{
			{Path: "/home", Mode: kst.FilesystemRead},
			{Path: "/tmp/.X11-unix", Mode: kst.FilesystemRead},
		},
		Env: map[string]*string{"TERM": set("xterm")},
	}
	overlay := &kst.Context{
		Shares:  kst.ShareNetwork,
		Devices: kst.DeviceDRI,
		Filesystem: []kst.FilesystemRule{
			{Path: "/home", Mode: kst.FilesystemNone},
			{Path: "/home", Mode: kst.FilesystemReadWrite},
		},
		Env: map[string]*string{"TERM": nil, "LANG": set("C")},
	}

	got := kst.Merge(base, overlay)

	if got.Shares != kst.ShareIPC|kst.ShareNetwork {
		t.Errorf("Merge: shares = %s", got.Shares)
	}
	if got.Devices != kst.DeviceDRI {
		t.Errorf("Merge: devices = %s", got.Devices)
	}
	if got.Sockets != kst.SocketWayland {
		t.Errorf("Merge: sockets = %s", got.Sockets)
	}

	// last writer wins on the exact /home path, /tmp/.X11-unix survives
	wantFS := []kst.FilesystemRule{
		{Path: "/tmp/.X11-unix", Mode: kst.FilesystemRead},
		{Path: "/home", Mode: kst.FilesystemReadWrite},
	}
	if !reflect.DeepEqual(got.Filesystem, wantFS) {
		t.Errorf("Merge: filesystem = %#v, want %#v", got.Filesystem, wantFS)
	}

	if v, ok := got.Env["TERM"]; !ok || v != nil {
		t.Errorf("Merge: TERM not explicitly unset")
	}
	if v := got.Env["LANG"]; v == nil || *v != "C" {
		t.Errorf("Merge: LANG = %v", v)
	}

	// re-merging the same overlay must not change the result
	again := kst.Merge(got, overlay)
	if !reflect.DeepEqual(again, got) {
		t.Errorf("Merge: not idempotent:\n%#v\n%#v", again, got)
	}
}

func TestMergeExactPath(t *testing.T) {
	base := &kst.Context{Filesystem: []kst.FilesystemRule{
		{Path: "/run", Mode: kst.FilesystemRead},
		{Path: "/run/user", Mode: kst.FilesystemRead},
	}}
	overlay := &kst.Context{Filesystem: []kst.FilesystemRule{
		{Path: "/run", Mode: kst.FilesystemNone},
	}}

	got := kst.Merge(base, overlay)
	want := []kst.FilesystemRule{
		{Path: "/run/user", Mode: kst.FilesystemRead},
		{Path: "/run", Mode: kst.FilesystemNone},
	}
	if !reflect.DeepEqual(got.Filesystem, want) {
		t.Errorf("Merge: filesystem = %#v, want %#v", got.Filesystem, want)
	}
}

func TestResetToSandboxed(t *testing.T) {
	set := func(s string) *string { return &s }

	c := kst.Merge(nil, &kst.Context{
		Shares:     kst.ShareIPC | kst.ShareNetwork,
		Devices:    kst.DeviceAll,
		Sockets:    kst.SocketSessionBus | kst.SocketPulseaudio,
		Filesystem: []kst.FilesystemRule{{Path: "/", Mode: kst.FilesystemReadWrite}},
		Env:        map[string]*string{"LANG": set("C")},
	})
	c.ResetToSandboxed()

	if c.Shares != 0 || c.Devices != 0 || c.Sockets != 0 || c.Filesystem != nil {
		t.Errorf("ResetToSandboxed: grants remain: %#v", c)
	}
	if v := c.Env["LANG"]; v == nil || *v != "C" {
		t.Errorf("ResetToSandboxed: environment clobbered")
	}

	// a later merge of a narrow overlay must never exceed the overlay alone
	overlay := &kst.Context{Sockets: kst.SocketWayland}
	got := kst.Merge(c, overlay)
	alone := kst.Merge(nil, overlay)
	if got.Shares != alone.Shares || got.Devices != alone.Devices || got.Sockets != alone.Sockets {
		t.Errorf("Merge after reset: %s exceeds %s", got.Sockets, alone.Sockets)
	}
	if len(got.Filesystem) != len(alone.Filesystem) {
		t.Errorf("Merge after reset: filesystem rules leak: %#v", got.Filesystem)
	}
}
