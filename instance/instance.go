// Package instance maintains the on-disk bookkeeping record of one
// running sandbox: a uniquely numbered, lock-protected directory holding
// the application descriptor and optional process id.
package instance

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/fmsg"
)

// allocAttempts bounds the number of collision retries during Allocate.
const allocAttempts = 100

var (
	// ErrAllocExhausted is returned when no unique instance id could be
	// claimed within the retry bound.
	ErrAllocExhausted = errors.New("instance id allocation exhausted")
)

// An Instance is one sandbox's bookkeeping directory. The shared lock on
// its ref file is held until Close and marks the instance as live.
type Instance struct {
	// numeric instance id
	ID uint32
	// host directory containing descriptor and pid files
	Dir string

	ref *os.File
}

func (i *Instance) String() string { return strconv.FormatUint(uint64(i.ID), 10) }

// Allocate claims a fresh instance directory under pool. The directory
// is created exclusively and its ref file is locked shared before
// returning, so a concurrent sweep can never observe the new instance
// unlocked past the grace window.
func Allocate(pool string) (*Instance, error) {
	if err := os.MkdirAll(pool, 0700); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < allocAttempts; attempt++ {
		id := randomID()
		dir := filepath.Join(pool, strconv.FormatUint(uint64(id), 10))

		if err := os.Mkdir(dir, 0700); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return nil, err
		}

		ref, err := os.OpenFile(filepath.Join(dir, ".ref"), os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}
		if err = flockRetry(int(ref.Fd()), unix.LOCK_SH); err != nil {
			_ = ref.Close()
			return nil, &fs.PathError{Op: "lock", Path: ref.Name(), Err: err}
		}

		fmsg.Verbosef("allocated instance %d at %q", id, dir)
		return &Instance{ID: id, Dir: dir, ref: ref}, nil
	}

	return nil, ErrAllocExhausted
}

// Close releases the ref lock. The instance becomes reclaimable by a
// later sweep once the grace window passes.
func (i *Instance) Close() error {
	if i.ref == nil {
		return nil
	}
	err := i.ref.Close()
	i.ref = nil
	return err
}

// WritePid records the helper process id for background launches.
func (i *Instance) WritePid(pid int) error {
	return os.WriteFile(filepath.Join(i.Dir, "pid"), []byte(strconv.Itoa(pid)+"\n"), 0600)
}

// PublishInfo writes the application descriptor once and binds it at
// dest through two independent read-only descriptors: a removable bind
// mount, and a plain owned handle placed as a file copy underneath it.
// The copy stays openable through the descriptor table even if the
// mount disappears from the namespace mid-flight.
func (i *Instance) PublishInfo(b *bwrap.Builder, data []byte, dest string) error {
	infoPath := filepath.Join(i.Dir, "info")
	if err := os.WriteFile(infoPath, data, 0600); err != nil {
		return err
	}

	copyFd, err := os.Open(infoPath)
	if err != nil {
		return err
	}
	mountFd, err := os.Open(infoPath)
	if err != nil {
		_ = copyFd.Close()
		return err
	}

	// the helper consumes the copy during setup
	b.AddArg("--file").AddFdArg("", b.AddFd(copyFd, bwrap.FdCloseAfterSetup)).AddArg(dest)
	// the mount source handle backs the bind for the sandbox lifetime
	b.AddArg("--ro-bind-fd").AddFdArg("", b.AddFd(mountFd, bwrap.FdInherit)).AddArg(dest)

	// the shared lock must outlive the launcher, so the ref descriptor
	// travels into the helper with the mount handle
	b.AddFd(i.ref, bwrap.FdInherit)
	return nil
}

func randomID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand does not fail on supported kernels
		panic(err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func flockRetry(fd, how int) (err error) {
	for {
		err = unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}
