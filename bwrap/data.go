package bwrap

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// NewMemfd writes data to a sealed anonymous file and returns it with
// the offset rewound. The file never appears in any filesystem.
func NewMemfd(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		// ENOSYS here means the host kernel cannot support data embedding at all
		return nil, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	f := os.NewFile(uintptr(fd), name)

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err = unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seal %q: %w", name, err)
	}

	return f, nil
}

// AddData embeds data as a sealed anonymous file bound read-only at dest
// inside the sandbox. The descriptor is released once the helper has
// consumed it during setup.
func (b *Builder) AddData(name string, data []byte, dest string) error {
	b.mustMutable()

	f, err := NewMemfd(name, data)
	if err != nil {
		return err
	}
	fd := b.AddFd(f, FdCloseAfterSetup)
	b.AddArg("--ro-bind-data").AddFdArg("", fd).AddArg(dest)
	return nil
}
