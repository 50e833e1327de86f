// Package ldcache caches the dynamic linker lookup table per unique
// combination of application, runtime and extension set. Entries are
// regenerated inside a nested minimal sandbox on miss and published
// atomically, so concurrent launches observe either the previous or the
// new complete cache, never a partial one.
package ldcache

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"git.gensokyo.uk/security/kist/internal/fmsg"
)

// activeName is the pointer naming the most recently used entry.
const activeName = "active"

// Key identifies one cache entry.
type Key struct {
	AppCommit     string
	RuntimeCommit string
	// installed ids of application extensions, in priority order
	AppExtensions []string
	// installed ids of runtime extensions, in priority order
	RuntimeExtensions []string
}

// Checksum derives the content address of k.
func (k *Key) Checksum() string {
	h := blake3.New()
	for _, s := range [][]string{
		{k.AppCommit, k.RuntimeCommit},
		k.AppExtensions,
		k.RuntimeExtensions,
	} {
		for _, v := range s {
			// length prefix keeps adjacent fields from running together
			_, _ = h.Write([]byte(strconv.Itoa(len(v)) + ":"))
			_, _ = h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// A Regenerator fills scratch with a fresh ld.so.cache file. It runs
// only on cache miss, under the cache directory lock.
type Regenerator func(ctx context.Context, scratch string) error

// Ensure returns an open descriptor of the cache entry for k,
// regenerating it first if absent. The entry file and the active
// pointer are both published by atomic rename.
func Ensure(ctx context.Context, cacheDir string, k *Key, regen Regenerator) (*os.File, error) {
	digest := k.Checksum()
	entry := filepath.Join(cacheDir, digest)

	if f, err := os.Open(entry); err == nil {
		fmsg.Verbosef("ld cache hit for %s", digest)
		return f, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}

	// serialise regeneration across launches
	lock, err := os.OpenFile(filepath.Join(cacheDir, "regen.lock"), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Close() }()
	if err = flockRetry(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return nil, &fs.PathError{Op: "lock", Path: lock.Name(), Err: err}
	}

	// a concurrent launch may have completed the entry while we waited
	if f, err := os.Open(entry); err == nil {
		fmsg.Verbosef("ld cache completed concurrently for %s", digest)
		return f, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	scratch, err := os.MkdirTemp(cacheDir, "."+digest+".*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	fmsg.Verbosef("regenerating ld cache %s", digest)
	if err = regen(ctx, scratch); err != nil {
		return nil, err
	}

	produced := filepath.Join(scratch, "ld.so.cache")
	if _, err = os.Stat(produced); err != nil {
		return nil, err
	}
	if err = os.Rename(produced, entry); err != nil {
		return nil, err
	}

	// redirect the active pointer through a rename so a concurrent
	// reader never sees it dangling
	activeTmp := filepath.Join(cacheDir, "."+activeName+".tmp")
	_ = os.Remove(activeTmp)
	if err = os.Symlink(digest, activeTmp); err != nil {
		return nil, err
	}
	if err = os.Rename(activeTmp, filepath.Join(cacheDir, activeName)); err != nil {
		return nil, err
	}

	return os.Open(entry)
}

// Active resolves the most recently published entry name, if any.
func Active(cacheDir string) (string, error) {
	return os.Readlink(filepath.Join(cacheDir, activeName))
}

func flockRetry(fd, how int) (err error) {
	for {
		err = unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}
