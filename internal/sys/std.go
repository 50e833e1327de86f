package sys

import (
	"io/fs"
	"os"
	"os/exec"
	"sync"
)

// Std implements System using the standard library.
type Std struct {
	paths     Paths
	pathsOnce sync.Once
}

func (s *Std) Geteuid() int { return os.Geteuid() }
func (s *Std) Getpid() int { return os.Getpid() }
func (s *Std) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (s *Std) TempDir() string { return os.TempDir() }
func (s *Std) LookPath(file string) (string, error) { return exec.LookPath(file) }
func (s *Std) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (s *Std) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }
func (s *Std) Exit(code int) { os.Exit(code) }

func (s *Std) Paths() Paths {
	s.pathsOnce.Do(func() { CopyPaths(s, &s.paths) })
	return s.paths
}
