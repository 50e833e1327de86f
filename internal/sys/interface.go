// Package sys provides safe access to operating system resources and
// the environment dependent paths used by kist.
package sys

import (
	"io/fs"
	"path"
	"strconv"

	"git.gensokyo.uk/security/kist/internal/fmsg"
)

// System provides safe access to operating system resources.
type System interface {
	// Geteuid provides [os.Geteuid].
	Geteuid() int
	// Getpid provides [os.Getpid].
	Getpid() int
	// LookupEnv provides [os.LookupEnv].
	LookupEnv(key string) (string, bool)
	// TempDir provides [os.TempDir].
	TempDir() string
	// LookPath provides [exec.LookPath].
	LookPath(file string) (string, error)
	// Stat provides [os.Stat].
	Stat(name string) (fs.FileInfo, error)
	// ReadDir provides [os.ReadDir].
	ReadDir(name string) ([]fs.DirEntry, error)
	// Exit provides [os.Exit].
	Exit(code int)

	// Paths returns a populated [Paths] struct.
	Paths() Paths
}

// Paths contains environment dependent paths used by kist.
type Paths struct {
	// process share directory, e.g. /tmp/kist.%d
	SharePath string `json:"share_path"`
	// XDG_RUNTIME_DIR value, e.g. /run/user/%d
	RuntimePath string `json:"runtime_path"`
	// application runtime directory, e.g. /run/user/%d/kist
	RunDirPath string `json:"run_dir_path"`
	// per-user cache directory, e.g. ~/.cache/kist
	CachePath string `json:"cache_path"`
	// per-session bus proxy socket directory
	ProxyPath string `json:"proxy_path"`
	// instance bookkeeping pool
	InstancePath string `json:"instance_path"`
}

// CopyPaths is a generic implementation of [System.Paths].
func CopyPaths(os System, v *Paths) {
	v.SharePath = path.Join(os.TempDir(), "kist."+strconv.Itoa(os.Geteuid()))

	fmsg.Verbosef("process share directory at %q", v.SharePath)

	if r, ok := os.LookupEnv(xdgRuntimeDir); !ok || r == "" || !path.IsAbs(r) {
		// fall back to path in share since kist has no hard XDG dependency
		v.RunDirPath = path.Join(v.SharePath, "run")
		// in this case RuntimePath is left empty and must be checked
	} else {
		v.RuntimePath = r
		v.RunDirPath = path.Join(v.RuntimePath, "kist")
	}

	if c, ok := os.LookupEnv(xdgCacheHome); ok && path.IsAbs(c) {
		v.CachePath = path.Join(c, "kist")
	} else if h, ok := os.LookupEnv(home); ok && path.IsAbs(h) {
		v.CachePath = path.Join(h, ".cache", "kist")
	} else {
		v.CachePath = path.Join(v.SharePath, "cache")
	}

	v.ProxyPath = path.Join(v.RunDirPath, "dbus-proxy")
	v.InstancePath = path.Join(v.RunDirPath, "instance")

	fmsg.Verbosef("runtime directory at %q", v.RunDirPath)
}

const (
	xdgRuntimeDir = "XDG_RUNTIME_DIR"
	xdgCacheHome  = "XDG_CACHE_HOME"
	home          = "HOME"
)
