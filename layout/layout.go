// Package layout binds extension trees into the application and runtime
// views and merges their shared directory content.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/internal/fmsg"
	"git.gensokyo.uk/security/kist/kst"
)

// LdConfDir is the in-sandbox directory holding per-extension dynamic
// linker configuration snippets.
const LdConfDir = "/run/kist/ld.so.conf.d"

// Result carries content pass artifacts consumed by later launch stages.
type Result struct {
	// inner dynamic linker search directories in priority order
	LdSearchDirs []string
	// accumulated LD_LIBRARY_PATH entries when snippets cannot be used
	LdLibraryPath []string
}

// Layer appends mount and content tokens for exts, already provided in
// priority order, rooted at base (/app or /usr). The mount pass is
// complete before any content token is appended, so parent directories
// are always set up before anything inside them.
func Layer(b *bwrap.Builder, base string, exts []kst.Extension, useLdConfig bool) (*Result, error) {
	res := new(Result)

	// mount pass, path sorted so parents precede children
	byPath := slices.Clone(exts)
	slices.SortStableFunc(byPath, func(a, b kst.Extension) int {
		return strings.Compare(mountPoint(base, &a), mountPoint(base, &b))
	})

	tmpfsSeen := make(map[string]struct{}, len(byPath))
	for i := range byPath {
		ext := &byPath[i]
		mp := mountPoint(base, ext)

		if ext.NeedsTmpfs {
			parent := path.Dir(mp)
			if _, ok := tmpfsSeen[parent]; !ok {
				tmpfsSeen[parent] = struct{}{}
				b.AddArgs("--tmpfs", parent)
			}
		}

		b.AddArgs("--ro-bind", ext.FilesPath, mp)

		// a missing marker leaves the extension mounted but unlocked
		if err := lockRef(b, ext); err != nil {
			return nil, err
		}
	}

	// content pass, original priority order
	mergeSeen := make(map[string]struct{})
	for i := range exts {
		ext := &exts[i]
		mp := mountPoint(base, ext)

		if ext.AddLdPath != "" {
			inner := path.Join(mp, ext.AddLdPath)
			res.LdSearchDirs = append(res.LdSearchDirs, inner)

			if useLdConfig {
				// zero-padded sequence number preserves include order
				name := fmt.Sprintf("ext-%04d.conf", i)
				if err := b.AddData(name, []byte(inner+"\n"), path.Join(LdConfDir, name)); err != nil {
					return nil, err
				}
			} else {
				res.LdLibraryPath = append(res.LdLibraryPath, inner)
			}
		}

		for _, dir := range ext.MergeDirs {
			entries, err := os.ReadDir(filepath.Join(ext.FilesPath, dir))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			for _, ent := range entries {
				key := path.Join(dir, ent.Name())
				if _, ok := mergeSeen[key]; ok {
					// an earlier, higher priority extension owns this name
					continue
				}
				mergeSeen[key] = struct{}{}
				b.AddArgs("--symlink",
					path.Join(mp, dir, ent.Name()),
					path.Join(base, dir, ent.Name()))
			}
		}
	}

	return res, nil
}

func mountPoint(base string, ext *kst.Extension) string {
	mp := path.Join(base, ext.Directory)
	if ext.SubdirSuffix != "" {
		mp = path.Join(mp, ext.SubdirSuffix)
	}
	return mp
}

// lockRef takes a shared advisory lock on the extension marker file and
// parks the descriptor in b so the deployment cannot be pruned while the
// sandbox runs.
func lockRef(b *bwrap.Builder, ext *kst.Extension) error {
	refPath := filepath.Join(ext.FilesPath, ".ref")
	f, err := os.Open(refPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmsg.Verbosef("extension %s has no ref, mounting unlocked", ext.InstalledID)
			return nil
		}
		return err
	}
	if err = flockRetry(int(f.Fd()), unix.LOCK_SH); err != nil {
		_ = f.Close()
		return &fs.PathError{Op: "lock", Path: refPath, Err: err}
	}
	b.AddFd(f, bwrap.FdInherit)
	return nil
}

func flockRetry(fd, how int) (err error) {
	for {
		err = unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}
