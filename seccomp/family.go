package seccomp

import (
	"fmt"
	"slices"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const eafnosupport = int16(unix.EAFNOSUPPORT)

// familyRange is a contiguous blocked range of socket address families.
// An open range has no upper bound.
type familyRange struct {
	lo, hi int
	open   bool
}

// familyGaps converts the allowlist into the blocked ranges between
// consecutive allowed values, plus one final open range above the
// highest allowed value. This needs one rule per gap instead of one per
// disallowed family.
func familyGaps(allowed []int) []familyRange {
	s := slices.Clone(allowed)
	slices.Sort(s)
	s = slices.Compact(s)

	var gaps []familyRange
	last := -1
	for _, family := range s {
		if family > last+1 {
			gaps = append(gaps, familyRange{lo: last + 1, hi: family - 1})
		}
		last = family
	}
	return append(gaps, familyRange{lo: last + 1, open: true})
}

// familyRule is one single-comparison blocking rule on the family
// argument of socket.
type familyRule struct {
	op    libseccomp.ScmpCompareOp
	value uint64
}

// familyRules expands the blocked ranges into individual rules: one
// greater-equal rule for the open tail, one equality rule per family
// inside a closed gap. The filter backend rejects two comparisons on
// the same argument within one rule, so a closed range can never be
// expressed as a GE/LE pair.
func familyRules(allowed []int) []familyRule {
	var rules []familyRule
	for _, gap := range familyGaps(allowed) {
		if gap.open {
			rules = append(rules, familyRule{libseccomp.CompareGreaterEqual, uint64(gap.lo)})
			continue
		}
		for family := gap.lo; family <= gap.hi; family++ {
			rules = append(rules, familyRule{libseccomp.CompareEqual, uint64(family)})
		}
	}
	return rules
}

// addFamilyRules blocks every socket family outside allowed with
// EAFNOSUPPORT, matching what the kernel returns for unknown families.
func addFamilyRules(filter *libseccomp.ScmpFilter, allowed []int) error {
	sc, err := libseccomp.GetSyscallFromName("socket")
	if err != nil {
		return fmt.Errorf("resolve socket: %w", err)
	}
	action := libseccomp.ActErrno.SetReturnCode(eafnosupport)

	for _, r := range familyRules(allowed) {
		c, err := libseccomp.MakeCondition(0, r.op, r.value)
		if err != nil {
			return err
		}
		if err = filter.AddRuleConditional(sc, action,
			[]libseccomp.ScmpCondition{c}); err != nil {
			return fmt.Errorf("block family %d: %w", r.value, err)
		}
	}
	return nil
}
