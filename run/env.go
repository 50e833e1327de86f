package run

import (
	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/sys"
	"git.gensokyo.uk/security/kist/kst"
)

// hostEnvPassthrough is the short allowlist of host variables carried
// into the sandbox unless a clean environment was requested.
var hostEnvPassthrough = [...]string{
	"TERM", "COLORTERM",
	"LANG", "LANGUAGE", "LC_ALL", "LC_MESSAGES", "LC_NUMERIC", "LC_TIME",
	"TZ", "SHELL",
}

// finalizeEnv assembles the sandbox environment: fixed defaults, the
// host passthrough set, then the context overlay, in that order so the
// overlay always wins. All of it travels as explicit tokens; the
// helper's real environment stays empty.
func finalizeEnv(b *bwrap.Builder, s sys.System, c *kst.Context, opts *kst.Options, innerRuntime string) {
	b.SetEnv("XDG_RUNTIME_DIR", innerRuntime)
	b.SetEnv("PATH", "/app/bin:/usr/bin:/bin")
	if home, ok := s.LookupEnv("HOME"); ok && home != "" {
		b.SetEnv("HOME", home)
	}

	if !opts.ClearEnv {
		for _, k := range hostEnvPassthrough {
			if v, ok := s.LookupEnv(k); ok {
				b.SetEnv(k, v)
			}
		}
	}

	for k, v := range c.Env {
		if v == nil {
			b.UnsetEnv(k)
		} else {
			b.SetEnv(k, *v)
		}
	}
}
