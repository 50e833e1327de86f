package kst

// An Extension is an additional filesystem tree layered into the
// application or runtime view at launch. Extensions are resolved by an
// external collaborator and never mutated here.
type Extension struct {
	// mount point suffix under /app or /usr
	Directory string `json:"directory"`
	// resolved source tree on the host
	FilesPath string `json:"files_path"`
	// optional subdirectory appended to the mount point
	SubdirSuffix string `json:"subdir_suffix,omitempty"`
	// whether the parent mount point must be backed by tmpfs
	NeedsTmpfs bool `json:"needs_tmpfs,omitempty"`
	// optional dynamic linker search path relative to the source tree
	AddLdPath string `json:"add_ld_path,omitempty"`
	// directories merged into the parent view via first-wins symlinks
	MergeDirs []string `json:"merge_dirs,omitempty"`
	// content precedence, lower value wins on merge conflicts
	Priority int `json:"priority"`

	// identifier of the installed extension
	InstalledID string `json:"installed_id"`
	// deployed commit, empty for unversioned trees
	Commit string `json:"commit,omitempty"`
}
