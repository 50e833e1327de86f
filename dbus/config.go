// Package dbus mediates message bus access for the sandbox, either
// binding a bus socket directly or interposing a filtering proxy
// process that is confirmed listening before the sandbox starts.
package dbus

import (
	"git.gensokyo.uk/security/kist/kst"
)

// Config holds the filter rules passed to one bus proxy.
type Config struct {
	// See sets 'see' policy for NAME (--see=NAME)
	See []string
	// Talk sets 'talk' policy for NAME (--talk=NAME)
	Talk []string
	// Own sets 'own' policy for NAME (--own=NAME)
	Own []string

	// Call sets RULE for calls on NAME (--call=NAME=RULE)
	Call map[string]string
	// Broadcast sets RULE for broadcasts from NAME (--broadcast=NAME=RULE)
	Broadcast map[string]string

	Log    bool
	Filter bool
}

// Args returns the ordered proxy argument list for bus, upstream
// address first, downstream socket path second.
func (c *Config) Args(bus [2]string) (args []string) {
	argc := 2 + len(c.See) + len(c.Talk) + len(c.Own) + len(c.Call) + len(c.Broadcast)
	if c.Log {
		argc++
	}
	if c.Filter {
		argc++
	}

	args = make([]string, 0, argc)
	args = append(args, bus[0], bus[1])
	if c.Filter {
		args = append(args, "--filter")
	}
	for _, name := range c.See {
		args = append(args, "--see="+name)
	}
	for _, name := range c.Talk {
		args = append(args, "--talk="+name)
	}
	for _, name := range c.Own {
		args = append(args, "--own="+name)
	}
	for name, rule := range c.Call {
		args = append(args, "--call="+name+"="+rule)
	}
	for name, rule := range c.Broadcast {
		args = append(args, "--broadcast="+name+"="+rule)
	}
	if c.Log {
		args = append(args, "--log")
	}

	return
}

// NewSessionConfig returns session bus filter rules derived from the
// permission context: the well-known portal interfaces stay reachable,
// everything else is restricted to the caller's own well-known name
// when one is known.
func NewSessionConfig(appID string, c *kst.Context, log bool) *Config {
	conf := &Config{
		Call:      make(map[string]string),
		Broadcast: make(map[string]string),

		Filter: true,
		Log:    log,
	}

	conf.Talk = []string{"org.freedesktop.DBus", "org.freedesktop.Notifications"}
	conf.Call["org.freedesktop.portal.*"] = "*"
	conf.Broadcast["org.freedesktop.portal.*"] = "@/org/freedesktop/portal/*"

	if appID != "" {
		conf.Own = []string{appID, appID + ".*", "org.mpris.MediaPlayer2." + appID + ".*"}
	}

	// persisted grants surface as additional policy names
	if c != nil {
		for name, policy := range c.Extra {
			switch policy {
			case "see":
				conf.See = append(conf.See, name)
			case "talk":
				conf.Talk = append(conf.Talk, name)
			case "own":
				conf.Own = append(conf.Own, name)
			}
		}
	}

	return conf
}

// NewSystemConfig returns system bus filter rules; nothing beyond the
// bus itself is reachable unless persisted grants name it.
func NewSystemConfig(c *kst.Context, log bool) *Config {
	conf := &Config{
		Call:      make(map[string]string),
		Broadcast: make(map[string]string),

		Filter: true,
		Log:    log,
	}
	conf.Talk = []string{"org.freedesktop.DBus"}

	if c != nil {
		for name, policy := range c.Extra {
			if policy == "system-talk" {
				conf.Talk = append(conf.Talk, name)
			}
		}
	}

	return conf
}

// NewA11yConfig returns accessibility bus filter rules covering the
// registry socket and its event broadcasts.
func NewA11yConfig() *Config {
	c := &Config{
		Call:      make(map[string]string),
		Broadcast: make(map[string]string),

		Filter: true,
	}
	c.Call["org.a11y.atspi.Registry"] = "org.a11y.atspi.Socket@/org/a11y/atspi/accessible/root"
	c.Broadcast["org.a11y.atspi.Registry"] = "@/org/a11y/atspi/registry/*"
	return c
}
