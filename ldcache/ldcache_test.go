package ldcache_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"git.gensokyo.uk/security/kist/ldcache"
)

func testKey() *ldcache.Key {
	return &ldcache.Key{
		AppCommit:         "2c26b46b68ffc68ff99b453c1d304134",
		RuntimeCommit:     "fcde2b2edba56bf408601fb721fe9b5c",
		AppExtensions:     []string{"org.example.App.Locale"},
		RuntimeExtensions: []string{"org.example.Platform.GL.default"},
	}
}

func TestChecksum(t *testing.T) {
	k := testKey()
	digest := k.Checksum()
	if len(digest) != 64 {
		t.Fatalf("Checksum: length %d", len(digest))
	}
	if k.Checksum() != digest {
		t.Errorf("Checksum: not stable")
	}

	// field boundaries must not run together
	other := testKey()
	other.AppCommit, other.RuntimeCommit = k.AppCommit+"fc", "de2b2edba56bf408601fb721fe9b5c"
	if other.Checksum() == digest {
		t.Errorf("Checksum: boundary collision")
	}

	other = testKey()
	other.RuntimeExtensions = append(other.RuntimeExtensions, "org.example.Platform.VAAPI")
	if other.Checksum() == digest {
		t.Errorf("Checksum: extension set ignored")
	}
}

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	k := testKey()

	var calls atomic.Int32
	regen := func(_ context.Context, scratch string) error {
		calls.Add(1)
		return os.WriteFile(filepath.Join(scratch, "ld.so.cache"), []byte("cache-content"), 0600)
	}

	f, err := ldcache.Ensure(context.Background(), dir, k, regen)
	if err != nil {
		t.Fatalf("Ensure: error = %v", err)
	}
	got, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil || string(got) != "cache-content" {
		t.Fatalf("Ensure: content = %q, error = %v", got, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("Ensure: regenerated %d times", calls.Load())
	}

	// second lookup is a pure cache hit
	if f, err = ldcache.Ensure(context.Background(), dir, k, regen); err != nil {
		t.Fatalf("Ensure: error = %v", err)
	}
	_ = f.Close()
	if calls.Load() != 1 {
		t.Errorf("Ensure: cache hit regenerated")
	}

	if active, err := ldcache.Active(dir); err != nil || active != k.Checksum() {
		t.Errorf("Active: %q, error = %v", active, err)
	}
}

func TestEnsureConcurrent(t *testing.T) {
	const n = 16
	dir := t.TempDir()
	k := testKey()

	var calls atomic.Int32
	regen := func(_ context.Context, scratch string) error {
		calls.Add(1)
		return os.WriteFile(filepath.Join(scratch, "ld.so.cache"), []byte("x"), 0600)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for g := 0; g < n; g++ {
		go func() {
			defer wg.Done()
			f, err := ldcache.Ensure(context.Background(), dir, k, regen)
			if err != nil {
				t.Errorf("Ensure: error = %v", err)
				return
			}
			_ = f.Close()
		}()
	}
	wg.Wait()

	// the first launch regenerates, every other launch observes its entry
	if calls.Load() != 1 {
		t.Errorf("Ensure: regenerated %d times under concurrency", calls.Load())
	}
}

func TestEnsureFailure(t *testing.T) {
	dir := t.TempDir()
	k := testKey()

	regenErr := errors.New("nested sandbox failed")
	if _, err := ldcache.Ensure(context.Background(), dir, k,
		func(context.Context, string) error { return regenErr }); !errors.Is(err, regenErr) {
		t.Fatalf("Ensure: error = %v, want %v", err, regenErr)
	}

	// no partial entry or active pointer may be published
	if _, err := os.Stat(filepath.Join(dir, k.Checksum())); !os.IsNotExist(err) {
		t.Errorf("Ensure: partial entry published")
	}
	if _, err := ldcache.Active(dir); !os.IsNotExist(err) {
		t.Errorf("Ensure: active pointer published, error = %v", err)
	}
}
