package bwrap

import (
	"errors"
	"io"
	"strings"
)

var (
	ErrContainsNull = errors.New("argument contains null character")
)

// nullTerminated serialises tokens in the null-terminated format the
// helper reads from its argument descriptor.
type nullTerminated []string

// checks whether any element contains the null character
// must be called before use and the slice must not be modified after call
func (a nullTerminated) check() error {
	for _, arg := range a {
		for _, b := range arg {
			if b == '\x00' {
				return ErrContainsNull
			}
		}
	}

	return nil
}

func (a nullTerminated) WriteTo(w io.Writer) (int64, error) {
	// assuming already checked

	nt := 0
	for _, arg := range a {
		n, err := w.Write([]byte(arg + "\x00"))
		nt += n

		if err != nil {
			return int64(nt), err
		}
	}

	return int64(nt), nil
}

func (a nullTerminated) String() string { return strings.Join(a, " ") }

// NewCheckedArgs returns a null-terminated argument writer for args.
// Callers must not retain any references to args.
func NewCheckedArgs(args []string) (io.WriterTo, error) {
	a := nullTerminated(args)
	return a, a.check()
}

// MustNewCheckedArgs returns a null-terminated argument writer for args
// and panics if the check fails.
func MustNewCheckedArgs(args []string) io.WriterTo {
	a, err := NewCheckedArgs(args)
	if err != nil {
		panic(err.Error())
	}

	return a
}
