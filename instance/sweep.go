package instance

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"git.gensokyo.uk/security/kist/internal/fmsg"
)

// Grace is how long a fresh instance directory is exempt from Sweep,
// covering the window between directory creation and the ref lock.
const Grace = 3 * time.Second

// Sweep removes instance directories whose ref lock is exclusively
// acquirable and whose last modification is older than grace. It
// returns the number of directories removed.
func Sweep(pool string, grace time.Duration) (int, error) {
	entries, err := os.ReadDir(pool)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var removed int
	deadline := time.Now().Add(-grace)
	for _, e := range entries {
		if !e.IsDir() {
			fmsg.Verbosef("skipped non-directory entry %q", e.Name())
			continue
		}
		if _, err = strconv.ParseUint(e.Name(), 10, 32); err != nil {
			fmsg.Verbosef("skipped non-instance entry %q", e.Name())
			continue
		}

		dir := filepath.Join(pool, e.Name())
		if fi, err := e.Info(); err != nil || fi.ModTime().After(deadline) {
			continue
		}

		if !reclaimable(filepath.Join(dir, ".ref")) {
			continue
		}
		if err = os.RemoveAll(dir); err != nil {
			return removed, err
		}
		fmsg.Verbosef("removed stale instance %s", e.Name())
		removed++
	}
	return removed, nil
}

// reclaimable reports whether the ref lock is uncontended. A missing ref
// file past the grace window means the owning launch died before taking
// its lock.
func reclaimable(refPath string) bool {
	ref, err := os.Open(refPath)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	defer func() { _ = ref.Close() }()

	if err = unix.Flock(int(ref.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	_ = unix.Flock(int(ref.Fd()), unix.LOCK_UN)
	return true
}
