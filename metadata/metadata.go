// Package metadata parses application and runtime keyfiles into the
// permission context and extension declarations consumed at launch.
// Required keys are validated here, before any kernel resource is
// touched.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"git.gensokyo.uk/security/kist/kst"
)

var (
	ErrNoApplication = errors.New("metadata: application id not set")
	ErrNoRuntime     = errors.New("metadata: runtime not set")
	ErrNoCommand     = errors.New("metadata: command not set")
)

const (
	groupApplication = "Application"
	groupRuntime     = "Runtime"
	groupContext     = "Context"
	groupEnvironment = "Environment"
	groupSessionBus  = "Session Bus Policy"
	groupSystemBus   = "System Bus Policy"

	extensionPrefix = "Extension "
)

// KeyFile is a parsed metadata keyfile addressed by group and key.
type KeyFile struct {
	f    *ini.File
	path string
}

// Load parses the keyfile at path.
func Load(path string) (*KeyFile, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:       "=",
		IgnoreInlineComment:      true,
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("metadata: cannot load %q: %w", path, err)
	}
	return &KeyFile{f: f, path: path}, nil
}

// LoadData parses keyfile content held in memory.
func LoadData(data []byte) (*KeyFile, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:       "=",
		IgnoreInlineComment:      true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("metadata: cannot parse keyfile: %w", err)
	}
	return &KeyFile{f: f}, nil
}

// Lookup returns the raw string value at group and key.
func (k *KeyFile) Lookup(group, key string) (string, bool) {
	s, err := k.f.GetSection(group)
	if err != nil {
		return "", false
	}
	if !s.HasKey(key) {
		return "", false
	}
	return s.Key(key).String(), true
}

// LookupList returns the semicolon-delimited list at group and key.
func (k *KeyFile) LookupList(group, key string) []string {
	v, ok := k.Lookup(group, key)
	if !ok {
		return nil
	}
	var list []string
	for _, e := range strings.Split(v, ";") {
		if e = strings.TrimSpace(e); e != "" {
			list = append(list, e)
		}
	}
	return list
}

// ID returns the application or runtime id.
func (k *KeyFile) ID() (string, error) {
	if id, ok := k.Lookup(groupApplication, "name"); ok {
		return id, nil
	}
	if id, ok := k.Lookup(groupRuntime, "name"); ok {
		return id, nil
	}
	return "", ErrNoApplication
}

// Runtime returns the full runtime ref the application declares.
func (k *KeyFile) Runtime() (string, error) {
	if r, ok := k.Lookup(groupApplication, "runtime"); ok {
		return r, nil
	}
	return "", ErrNoRuntime
}

// Command returns the entry point declared by the application.
func (k *KeyFile) Command() (string, error) {
	if c, ok := k.Lookup(groupApplication, "command"); ok {
		return c, nil
	}
	return "", ErrNoCommand
}

var socketBits = map[string]kst.Socket{
	"wayland":      kst.SocketWayland,
	"x11":          kst.SocketX11,
	"fallback-x11": kst.SocketFallbackX11,
	"ssh-auth":     kst.SocketSSHAuth,
	"pulseaudio":   kst.SocketPulseaudio,
	"system-bus":   kst.SocketSystemBus,
	"session-bus":  kst.SocketSessionBus,
	"a11y-bus":     kst.SocketA11yBus,
	"pcsc":         kst.SocketPcsc,
	"cups":         kst.SocketCups,
}

var deviceBits = map[string]kst.Device{
	"all": kst.DeviceAll,
	"dri": kst.DeviceDRI,
	"kvm": kst.DeviceKVM,
	"shm": kst.DeviceSHM,
}

// Context assembles the permission context declared by the [Context],
// [Environment] and bus policy groups. Unknown grant names are
// ignored so newer metadata stays loadable.
func (k *KeyFile) Context() (*kst.Context, error) {
	c := &kst.Context{
		Env:   make(map[string]*string),
		Extra: make(map[string]string),
	}

	for _, share := range k.LookupList(groupContext, "shared") {
		switch share {
		case "ipc":
			c.Shares |= kst.ShareIPC
		case "network":
			c.Shares |= kst.ShareNetwork
		}
	}
	for _, name := range k.LookupList(groupContext, "sockets") {
		if bit, ok := socketBits[name]; ok {
			c.Sockets |= bit
		}
	}
	for _, name := range k.LookupList(groupContext, "devices") {
		if bit, ok := deviceBits[name]; ok {
			c.Devices |= bit
		}
	}
	for _, fs := range k.LookupList(groupContext, "filesystems") {
		c.Filesystem = append(c.Filesystem, parseFilesystem(fs))
	}

	if s, err := k.f.GetSection(groupEnvironment); err == nil {
		for _, key := range s.KeyStrings() {
			v := s.Key(key).String()
			c.Env[key] = &v
		}
	}
	for _, key := range k.LookupList(groupContext, "unset-environment") {
		c.Env[key] = nil
	}

	for _, group := range [...]string{groupSessionBus, groupSystemBus} {
		s, err := k.f.GetSection(group)
		if err != nil {
			continue
		}
		for _, name := range s.KeyStrings() {
			policy := s.Key(name).String()
			if group == groupSystemBus {
				policy = "system-" + policy
			}
			c.Extra[name] = policy
		}
	}

	return c, nil
}

// ParseShares maps share grant names to bits, ignoring unknown names.
func ParseShares(names []string) (s kst.Share) {
	for _, name := range names {
		switch name {
		case "ipc":
			s |= kst.ShareIPC
		case "network":
			s |= kst.ShareNetwork
		}
	}
	return
}

// ParseSockets maps socket grant names to bits, ignoring unknown names.
func ParseSockets(names []string) (s kst.Socket) {
	for _, name := range names {
		if bit, ok := socketBits[name]; ok {
			s |= bit
		}
	}
	return
}

// ParseDevices maps device grant names to bits, ignoring unknown names.
func ParseDevices(names []string) (d kst.Device) {
	for _, name := range names {
		if bit, ok := deviceBits[name]; ok {
			d |= bit
		}
	}
	return
}

// ParseFilesystemRule parses a single filesystem grant in keyfile
// syntax, e.g. "/mnt/data:ro" or "!/tmp/private".
func ParseFilesystemRule(spec string) kst.FilesystemRule { return parseFilesystem(spec) }

func parseFilesystem(spec string) kst.FilesystemRule {
	r := kst.FilesystemRule{Mode: kst.FilesystemReadWrite}
	if strings.HasPrefix(spec, "!") {
		spec = spec[1:]
		r.Mode = kst.FilesystemNone
	}
	if i := strings.LastIndexByte(spec, ':'); i != -1 {
		switch spec[i+1:] {
		case "ro":
			spec, r.Mode = spec[:i], kst.FilesystemRead
		case "rw", "create":
			spec = spec[:i]
		}
	}
	r.Path = spec
	return r
}

// ExtensionPoint is an extension declaration parsed from an
// "[Extension NAME]" group. Resolution against installed extensions
// happens elsewhere; this only carries the declared attributes.
type ExtensionPoint struct {
	Name      string
	Directory string
	// Version or versions the point accepts, informational here.
	Versions []string

	AddLdPath      string
	MergeDirs      []string
	Subdirectories bool
	NoAutodownload bool
}

// ExtensionPoints returns all extension declarations in name order.
func (k *KeyFile) ExtensionPoints() []ExtensionPoint {
	var points []ExtensionPoint
	for _, s := range k.f.Sections() {
		if !strings.HasPrefix(s.Name(), extensionPrefix) {
			continue
		}
		p := ExtensionPoint{Name: strings.TrimPrefix(s.Name(), extensionPrefix)}
		p.Directory = s.Key("directory").String()
		if v := s.Key("version").String(); v != "" {
			p.Versions = []string{v}
		} else if vs := s.Key("versions").String(); vs != "" {
			p.Versions = strings.Split(vs, ";")
		}
		p.AddLdPath = s.Key("add-ld-path").String()
		for _, d := range strings.Split(s.Key("merge-dirs").String(), ";") {
			if d = strings.TrimSpace(d); d != "" {
				p.MergeDirs = append(p.MergeDirs, d)
			}
		}
		p.Subdirectories, _ = s.Key("subdirectories").Bool()
		p.NoAutodownload, _ = s.Key("no-autodownload").Bool()
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points
}
