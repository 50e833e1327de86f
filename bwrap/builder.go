// Package bwrap assembles the token stream, environment and file
// descriptor set consumed by the namespace setup helper. Tokens are
// applied by the helper strictly in append order.
package bwrap

import (
	"os"
	"slices"
	"strconv"
)

// FdMode determines the lifetime of a descriptor registered with a Builder.
type FdMode uint8

const (
	// FdInherit keeps the descriptor open for the lifetime of the sandbox.
	FdInherit FdMode = iota
	// FdCloseAfterSetup releases the descriptor once the helper has started.
	FdCloseAfterSetup
)

// An FD is a descriptor registered with a Builder. Its number inside the
// helper process is assigned during Finish.
type FD struct {
	file *os.File
	mode FdMode

	// child-side descriptor number, -1 until assigned
	n int
}

// File returns the underlying file.
func (f *FD) File() *os.File { return f.file }

// Mode returns the registered lifetime mode.
func (f *FD) Mode() FdMode { return f.mode }

func (f *FD) String() string {
	if f.n < 0 {
		panic("fd number used before finish")
	}
	return strconv.Itoa(f.n)
}

// frag is a fragment of the token stream.
type frag interface{ tokens() []string }

type lit []string

func (l lit) tokens() []string { return l }

// fdTok emits prefix directly followed by the assigned descriptor number.
type fdTok struct {
	prefix string
	fd     *FD
}

func (t *fdTok) tokens() []string { return []string{t.prefix + t.fd.String()} }

// Builder is an ordered, mutable accumulator of helper tokens,
// environment assignments and inherited descriptors. It must not be
// copied and must not be mutated after Finish.
type Builder struct {
	args []frag
	fds  []*FD

	// nil value requests explicit unset
	env map[string]*string

	finished bool
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{env: make(map[string]*string)}
}

func (b *Builder) mustMutable() {
	if b.finished {
		panic("builder mutated after finish")
	}
}

// AddArg appends a single token.
func (b *Builder) AddArg(s string) *Builder {
	b.mustMutable()
	b.args = append(b.args, lit{s})
	return b
}

// AddArgs appends tokens in order.
func (b *Builder) AddArgs(s ...string) *Builder {
	b.mustMutable()
	b.args = append(b.args, lit(slices.Clone(s)))
	return b
}

// AddFd registers f to be kept open across the helper exec and returns
// its handle. The descriptor number is assigned during Finish.
func (b *Builder) AddFd(f *os.File, mode FdMode) *FD {
	b.mustMutable()
	fd := &FD{file: f, mode: mode, n: -1}
	b.fds = append(b.fds, fd)
	return fd
}

// AddFdArg appends a token of prefix directly followed by the descriptor
// number of fd, resolved during Finish.
func (b *Builder) AddFdArg(prefix string, fd *FD) *Builder {
	b.mustMutable()
	b.args = append(b.args, &fdTok{prefix, fd})
	return b
}

// SetEnv schedules an environment assignment inside the sandbox.
func (b *Builder) SetEnv(key, value string) *Builder {
	b.mustMutable()
	b.env[key] = &value
	return b
}

// UnsetEnv schedules an explicit environment unset inside the sandbox.
func (b *Builder) UnsetEnv(key string) *Builder {
	b.mustMutable()
	b.env[key] = nil
	return b
}

// LookupEnv returns the scheduled value of key, if any. The second
// return value reports whether the key is scheduled at all; a true value
// with a nil pointer is an explicit unset.
func (b *Builder) LookupEnv(key string) (*string, bool) {
	v, ok := b.env[key]
	return v, ok
}

// Append moves all tokens, descriptors and environment entries of other
// into b, leaving other empty. Descriptor ownership transfers with the
// move; handles returned by other remain valid and resolve against b.
func (b *Builder) Append(other *Builder) *Builder {
	b.mustMutable()
	other.mustMutable()

	b.args = append(b.args, other.args...)
	b.fds = append(b.fds, other.fds...)
	for k, v := range other.env {
		b.env[k] = v
	}

	other.args = nil
	other.fds = nil
	other.env = make(map[string]*string)
	return b
}

// Finish assigns descriptor numbers, converts the environment map into
// explicit --setenv and --unsetenv tokens and seals the Builder. The
// real environment handed to the eventual exec call must be empty; every
// variable travels as a token emitted here.
func (b *Builder) Finish() (tokens []string, files []*os.File, err error) {
	b.mustMutable()
	b.finished = true

	// descriptors surface in the helper as 3 onwards, in registration order
	files = make([]*os.File, len(b.fds))
	for i, fd := range b.fds {
		fd.n = 3 + i
		files[i] = fd.file
	}

	tokens = make([]string, 0, len(b.args)*2+len(b.env)*3)
	for _, f := range b.args {
		tokens = append(tokens, f.tokens()...)
	}

	keys := make([]string, 0, len(b.env))
	for k := range b.env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if v := b.env[k]; v != nil {
			tokens = append(tokens, "--setenv", k, *v)
		} else {
			tokens = append(tokens, "--unsetenv", k)
		}
	}
	b.env = make(map[string]*string)

	a := nullTerminated(tokens)
	return tokens, files, a.check()
}

// Fds returns the registered descriptor handles in registration order.
func (b *Builder) Fds() []*FD { return b.fds }
