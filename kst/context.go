package kst

// FilesystemMode is the access mode of a single filesystem rule.
type FilesystemMode uint8

const (
	// FilesystemNone hides the path from the sandbox.
	FilesystemNone FilesystemMode = iota
	// FilesystemRead exposes the path read-only.
	FilesystemRead
	// FilesystemReadWrite exposes the path writable.
	FilesystemReadWrite
)

func (m FilesystemMode) String() string {
	switch m {
	case FilesystemNone:
		return "none"
	case FilesystemRead:
		return "read-only"
	case FilesystemReadWrite:
		return "read-write"
	default:
		return "(invalid filesystem mode)"
	}
}

// A FilesystemRule grants or revokes sandbox access to one host path.
type FilesystemRule struct {
	// host path the rule applies to
	Path string `json:"path"`
	// access granted to the sandbox
	Mode FilesystemMode `json:"mode"`
}

// Context is the effective capability grant of one launch, produced by
// merging runtime defaults, the app declaration and caller overrides.
type Context struct {
	// host contexts shared with the sandbox
	Shares Share `json:"shares"`
	// device classes made available
	Devices Device `json:"devices"`
	// well-known sockets made reachable
	Sockets Socket `json:"sockets"`

	// ordered filesystem access rules, later entries take precedence
	Filesystem []FilesystemRule `json:"filesystem"`

	// environment overlay, nil value requests explicit unset
	Env map[string]*string `json:"env"`

	// free-form metadata persisted across launches, never interpreted here
	Extra map[string]string `json:"extra,omitempty"`
}

// Merge returns a new [Context] with overlay applied on top of base.
// Bit fields are combined, overlay filesystem rules supersede base rules
// with the same exact path, and overlay environment entries apply
// verbatim, including explicit unset.
func Merge(base, overlay *Context) *Context {
	if base == nil {
		base = new(Context)
	}
	if overlay == nil {
		overlay = new(Context)
	}

	c := &Context{
		Shares:  base.Shares | overlay.Shares,
		Devices: base.Devices | overlay.Devices,
		Sockets: base.Sockets | overlay.Sockets,
	}

	// exact path equality only; a rule for a parent directory never
	// displaces a rule for a path inside it
	shadowed := make(map[string]struct{}, len(overlay.Filesystem))
	for _, r := range overlay.Filesystem {
		shadowed[r.Path] = struct{}{}
	}
	c.Filesystem = make([]FilesystemRule, 0, len(base.Filesystem)+len(overlay.Filesystem))
	for _, r := range base.Filesystem {
		if _, ok := shadowed[r.Path]; ok {
			continue
		}
		c.Filesystem = append(c.Filesystem, r)
	}
	c.Filesystem = append(c.Filesystem, dedupRules(overlay.Filesystem)...)

	c.Env = make(map[string]*string, len(base.Env)+len(overlay.Env))
	for k, v := range base.Env {
		c.Env[k] = v
	}
	for k, v := range overlay.Env {
		c.Env[k] = v
	}

	if len(base.Extra) > 0 || len(overlay.Extra) > 0 {
		c.Extra = make(map[string]string, len(base.Extra)+len(overlay.Extra))
		for k, v := range base.Extra {
			c.Extra[k] = v
		}
		for k, v := range overlay.Extra {
			c.Extra[k] = v
		}
	}

	return c
}

// dedupRules keeps the last rule for every exact path, preserving the
// position of the surviving entries.
func dedupRules(rules []FilesystemRule) []FilesystemRule {
	last := make(map[string]int, len(rules))
	for i, r := range rules {
		last[r.Path] = i
	}
	out := make([]FilesystemRule, 0, len(rules))
	for i, r := range rules {
		if last[r.Path] == i {
			out = append(out, r)
		}
	}
	return out
}

// ResetToSandboxed clears every host access grant in place. Environment
// entries survive the reset as they do not themselves grant host access.
func (c *Context) ResetToSandboxed() {
	c.Shares = 0
	c.Devices = 0
	c.Sockets = 0
	c.Filesystem = nil
}
