package run

import (
	"errors"
	"io/fs"
	"path"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/fmsg"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

// bindDevices appends device tokens for the granted device classes.
func bindDevices(b *bwrap.Builder, c *kst.Context) {
	if c.Devices&kst.DeviceAll != 0 {
		b.AddArgs("--dev-bind", "/dev", "/dev")
		return
	}

	b.AddArgs("--dev", "/dev")
	if c.Devices&kst.DeviceDRI != 0 {
		b.AddArgs("--dev-bind-try", "/dev/dri", "/dev/dri")
	}
	if c.Devices&kst.DeviceKVM != 0 {
		b.AddArgs("--dev-bind-try", "/dev/kvm", "/dev/kvm")
	}
	if c.Devices&kst.DeviceSHM != 0 {
		b.AddArgs("--bind-try", "/dev/shm", "/dev/shm")
	}
}

// bindFilesystem applies the ordered filesystem rules. Later rules
// append later and therefore take precedence inside the helper.
func bindFilesystem(b *bwrap.Builder, s sys.System, c *kst.Context) error {
	for _, r := range c.Filesystem {
		host, err := expandRulePath(s, r.Path)
		if err != nil {
			return err
		}

		switch r.Mode {
		case kst.FilesystemNone:
			b.AddArgs("--tmpfs", host)
		case kst.FilesystemRead:
			if !statRule(s, host) {
				continue
			}
			b.AddArgs("--ro-bind", host, host)
		case kst.FilesystemReadWrite:
			if !statRule(s, host) {
				continue
			}
			b.AddArgs("--bind", host, host)
		}
	}
	return nil
}

var errNoHome = errors.New("home directory not resolvable")

// expandRulePath resolves the symbolic rule names to host paths.
func expandRulePath(s sys.System, p string) (string, error) {
	switch {
	case p == "host":
		return "/", nil
	case p == "home" || p == "~":
		if home, ok := s.LookupEnv("HOME"); ok && path.IsAbs(home) {
			return home, nil
		}
		return "", errNoHome
	case len(p) > 2 && p[:2] == "~/":
		home, err := expandRulePath(s, "home")
		if err != nil {
			return "", err
		}
		return path.Join(home, p[2:]), nil
	case path.IsAbs(p):
		return p, nil
	default:
		return "", fs.ErrInvalid
	}
}

func statRule(s sys.System, host string) bool {
	if _, err := s.Stat(host); err != nil {
		fmsg.Verbosef("skipping filesystem rule %q: %v", host, err)
		return false
	}
	return true
}
