package layout_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/kst"
	"git.gensokyo.uk/security/kist/layout"
)

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, nil, 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestLayerMountOrder(t *testing.T) {
	child := writeTree(t)
	parent := writeTree(t)

	b := bwrap.New()
	// input is priority order; mounts must come out path sorted
	_, err := layout.Layer(b, "/usr", []kst.Extension{
		{Directory: "lib/extensions/gl/nvidia", FilesPath: child, InstalledID: "gl.nvidia", NeedsTmpfs: true},
		{Directory: "lib/extensions/gl", FilesPath: parent, InstalledID: "gl", NeedsTmpfs: true},
	}, false)
	if err != nil {
		t.Fatalf("Layer: error = %v", err)
	}

	tokens, _, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: error = %v", err)
	}

	pi := slices.Index(tokens, "/usr/lib/extensions/gl")
	ci := slices.Index(tokens, "/usr/lib/extensions/gl/nvidia")
	if pi == -1 || ci == -1 || pi > ci {
		t.Errorf("Layer: parent not mounted before child: %q", tokens)
	}

	// both extensions share the tmpfs parent /usr/lib/extensions
	var tmpfs int
	for i, s := range tokens {
		if s == "--tmpfs" && tokens[i+1] == "/usr/lib/extensions" {
			tmpfs++
		}
	}
	if tmpfs != 1 {
		t.Errorf("Layer: tmpfs mount count = %d, want 1", tmpfs)
	}
}

func TestLayerMergeFirstWins(t *testing.T) {
	high := writeTree(t, "icons/x.png")
	low := writeTree(t, "icons/x.png", "icons/y.png")

	for _, tc := range []struct {
		name string
		exts []kst.Extension
	}{
		{"declared order", []kst.Extension{
			{Directory: "theme/a", FilesPath: high, Priority: 1, MergeDirs: []string{"icons"}},
			{Directory: "theme/b", FilesPath: low, Priority: 2, MergeDirs: []string{"icons"}},
		}},
		// mount path order differs from priority order
		{"reversed paths", []kst.Extension{
			{Directory: "theme/z", FilesPath: high, Priority: 1, MergeDirs: []string{"icons"}},
			{Directory: "theme/a", FilesPath: low, Priority: 2, MergeDirs: []string{"icons"}},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := bwrap.New()
			if _, err := layout.Layer(b, "/app", tc.exts, false); err != nil {
				t.Fatalf("Layer: error = %v", err)
			}
			tokens, _, err := b.Finish()
			if err != nil {
				t.Fatalf("Finish: error = %v", err)
			}

			highMount := "/app/" + tc.exts[0].Directory
			var target string
			for i, s := range tokens {
				if s == "--symlink" && tokens[i+2] == "/app/icons/x.png" {
					if target != "" {
						t.Fatalf("Layer: duplicate symlink for x.png: %q", tokens)
					}
					target = tokens[i+1]
				}
			}
			if target != highMount+"/icons/x.png" {
				t.Errorf("Layer: x.png resolves to %q, want %q prefix", target, highMount)
			}

			// the lower priority extension still contributes unclaimed names
			if !slices.Contains(tokens, "/app/icons/y.png") {
				t.Errorf("Layer: y.png not merged: %q", tokens)
			}
		})
	}
}

func TestLayerLdPath(t *testing.T) {
	ext := writeTree(t)

	t.Run("library path accumulator", func(t *testing.T) {
		b := bwrap.New()
		res, err := layout.Layer(b, "/usr", []kst.Extension{
			{Directory: "lib/ext", FilesPath: ext, AddLdPath: "lib"},
		}, false)
		if err != nil {
			t.Fatalf("Layer: error = %v", err)
		}
		want := []string{"/usr/lib/ext/lib"}
		if !slices.Equal(res.LdLibraryPath, want) {
			t.Errorf("Layer: LdLibraryPath = %q, want %q", res.LdLibraryPath, want)
		}
	})

	t.Run("linker config snippet", func(t *testing.T) {
		b := bwrap.New()
		res, err := layout.Layer(b, "/usr", []kst.Extension{
			{Directory: "lib/ext", FilesPath: ext, AddLdPath: "lib"},
		}, true)
		if err != nil {
			t.Fatalf("Layer: error = %v", err)
		}
		if len(res.LdLibraryPath) != 0 {
			t.Errorf("Layer: LdLibraryPath = %q, want none", res.LdLibraryPath)
		}
		if !slices.Equal(res.LdSearchDirs, []string{"/usr/lib/ext/lib"}) {
			t.Errorf("Layer: LdSearchDirs = %q", res.LdSearchDirs)
		}

		tokens, files, err := b.Finish()
		if err != nil {
			t.Fatalf("Finish: error = %v", err)
		}
		if !slices.Contains(tokens, layout.LdConfDir+"/ext-0000.conf") {
			t.Errorf("Layer: snippet destination missing: %q", tokens)
		}
		if len(files) != 1 {
			t.Errorf("Layer: snippet descriptor missing")
		}
		for _, f := range files {
			_ = f.Close()
		}
	})
}
