package kst

// Options is the full set of launch flags consumed by the orchestrator.
// It is constructed once by the caller and passed by reference; there is
// no package-level flag state.
type Options struct {
	// discard every grant in the merged context before composing
	Sandboxed bool `json:"sandboxed,omitempty"`
	// relax profiling and trace syscall restrictions
	Devel bool `json:"devel,omitempty"`
	// terminate the sandbox when the launcher exits
	DieWithParent bool `json:"die_with_parent,omitempty"`
	// share the pid namespace of the named parent instance
	SharePidsWith string `json:"share_pids_with,omitempty"`
	// expose the launcher's pid namespace to the sandbox
	ParentExposePids bool `json:"parent_expose_pids,omitempty"`
	// start from an empty environment instead of the merged overlay defaults
	ClearEnv bool `json:"clear_env,omitempty"`
	// forward file arguments through the document portal
	FileForwarding bool `json:"file_forwarding,omitempty"`

	// spawn the helper and return instead of replacing the launcher
	Background bool `json:"background,omitempty"`
	// never spawn filtering bus proxies, grant nothing instead
	NoProxy bool `json:"no_proxy,omitempty"`
	// pass --log to the session bus proxy
	LogSessionBus bool `json:"log_session_bus,omitempty"`
	// pass --log to the system bus proxy
	LogSystemBus bool `json:"log_system_bus,omitempty"`

	// enable companion 32-bit architectures in the syscall filter
	Multiarch bool `json:"multiarch,omitempty"`
	// additional filter architecture, empty for native only
	TargetArch string `json:"target_arch,omitempty"`

	// working directory inside the sandbox, empty for the default
	WorkingDir string `json:"working_dir,omitempty"`
	// argv of the program run inside the sandbox
	Command []string `json:"command"`
}
