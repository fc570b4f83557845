package executor

import "strconv"

// VmmArguments is the thin set of command-line flags the executor knows how
// to build for the VMM binary itself. Everything the guest actually needs
// (boot source, drives, machine config) is configured over the API, not
// here — this only carries the handful of flags that must be known before
// the process starts.
type VmmArguments struct {
	// ConfigPath, if set, is passed as --config-file.
	ConfigPath string
	// Id, if non-empty, is passed as --id.
	Id string
	// ExtraArgs are appended verbatim after the above.
	ExtraArgs []string
}

// Build returns the flag list in a stable order.
func (a VmmArguments) Build() []string {
	var args []string
	if a.ConfigPath != "" {
		args = append(args, "--config-file", a.ConfigPath)
	}
	if a.Id != "" {
		args = append(args, "--id", a.Id)
	}
	args = append(args, a.ExtraArgs...)
	return args
}

// JailerArguments is the flag set passed to the jailer binary, ending in
// "--" followed by whatever VmmArguments produces.
type JailerArguments struct {
	Id            string
	UID, GID      int
	ExecFile      string
	ChrootBaseDir string
	NumaNode      int
	Daemonize     bool
	NewPidNS      bool
	ExtraArgs     []string
	Vmm           VmmArguments
}

// Build returns the full jailer argument list, including the trailing "--"
// separator and the VMM's own arguments.
func (a JailerArguments) Build() []string {
	args := []string{
		"--id", a.Id,
		"--uid", strconv.Itoa(a.UID),
		"--gid", strconv.Itoa(a.GID),
		"--exec-file", a.ExecFile,
		"--chroot-base-dir", a.ChrootBaseDir,
	}
	if a.NumaNode != 0 {
		args = append(args, "--node", strconv.Itoa(a.NumaNode))
	}
	if a.Daemonize {
		args = append(args, "--daemonize")
	}
	if a.NewPidNS {
		args = append(args, "--new-pid-ns")
	}
	args = append(args, a.ExtraArgs...)
	args = append(args, "--")
	args = append(args, a.Vmm.Build()...)
	return args
}
