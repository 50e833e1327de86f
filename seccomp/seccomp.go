// Package seccomp compiles the launch syscall filter. The filter is a
// hard security boundary: any failure during compilation aborts the
// launch, partial application is never acceptable.
package seccomp

import (
	"fmt"
	"io"
	"os"
	"runtime"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Policy describes one launch's syscall filter.
type Policy struct {
	// skip the profiling and trace denial set
	Devel bool
	// include companion 32-bit architectures
	Multiarch bool
	// additional explicit filter architecture, empty for none
	TargetArch string

	// sorted allowlist of socket address families, nil for defaults
	AllowedFamilies []int
}

// DefaultFamilies returns the socket address families reachable from an
// unextended sandbox.
func DefaultFamilies() []int {
	return []int{unix.AF_UNSPEC, unix.AF_UNIX, unix.AF_INET, unix.AF_INET6, unix.AF_NETLINK}
}

// Compile builds the default-allow filter and exports the resulting bpf
// program to an anonymous file with the offset rewound.
func (p *Policy) Compile() (*os.File, error) {
	filter, err := libseccomp.NewFilter(libseccomp.ActAllow)
	if err != nil {
		return nil, fmt.Errorf("seccomp_init: %w", err)
	}
	defer filter.Release()

	if err = p.addArches(filter); err != nil {
		return nil, err
	}

	rules := baseDeny
	if !p.Devel {
		rules = append(rules, develDeny...)
	}
	for _, r := range rules {
		if err = addRule(filter, &r); err != nil {
			return nil, err
		}
	}

	families := p.AllowedFamilies
	if families == nil {
		families = DefaultFamilies()
	}
	if err = addFamilyRules(filter, families); err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate("kist-seccomp", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "kist-seccomp")
	if err = filter.ExportBPF(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("export bpf: %w", err)
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// addArches multiplexes the filter across the native architecture, the
// optional target architecture and, when multiarch is requested, the
// closely related 32-bit companions.
func (p *Policy) addArches(filter *libseccomp.ScmpFilter) error {
	// the native architecture is always present in a fresh filter

	if p.TargetArch != "" {
		arch, err := libseccomp.GetArchFromString(p.TargetArch)
		if err != nil {
			return fmt.Errorf("target arch %q: %w", p.TargetArch, err)
		}
		if err = filter.AddArch(arch); err != nil {
			return fmt.Errorf("add arch %q: %w", p.TargetArch, err)
		}
	}

	if p.Multiarch {
		for _, name := range companionArches(runtime.GOARCH) {
			arch, err := libseccomp.GetArchFromString(name)
			if err != nil {
				return fmt.Errorf("companion arch %q: %w", name, err)
			}
			if err = filter.AddArch(arch); err != nil {
				return fmt.Errorf("add arch %q: %w", name, err)
			}
		}
	}
	return nil
}

func companionArches(goarch string) []string {
	switch goarch {
	case "amd64":
		return []string{"x86", "x32"}
	case "arm64":
		return []string{"arm"}
	default:
		return nil
	}
}

func addRule(filter *libseccomp.ScmpFilter, r *denyRule) error {
	sc, err := libseccomp.GetSyscallFromName(r.name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", r.name, err)
	}
	action := libseccomp.ActErrno.SetReturnCode(r.errno)

	if r.arg == nil {
		if err = filter.AddRule(sc, action); err != nil {
			return fmt.Errorf("deny %s: %w", r.name, err)
		}
		return nil
	}

	values := []uint64{r.arg.a}
	if r.arg.op == libseccomp.CompareMaskedEqual {
		values = append(values, r.arg.b)
	}
	cond, err := libseccomp.MakeCondition(r.arg.index, r.arg.op, values...)
	if err != nil {
		return fmt.Errorf("deny %s: %w", r.name, err)
	}
	if err = filter.AddRuleConditional(sc, action, []libseccomp.ScmpCondition{cond}); err != nil {
		return fmt.Errorf("deny %s: %w", r.name, err)
	}
	return nil
}
