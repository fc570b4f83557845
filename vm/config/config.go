// Package config holds the VM's device inventory and boot/restore
// configuration as plain, JSON-tagged value types.
package config

// InitMethod selects how a newly created VM is booted.
type InitMethod int

const (
	// ViaApiCalls drives the boot sequence over the management API.
	ViaApiCalls InitMethod = iota
	// ViaJsonConfiguration writes ConfigurationData as a JSON document and
	// passes its inner path to the VMM as --config-file, skipping the API
	// boot sequence entirely.
	ViaJsonConfiguration
)

// MemoryBackendType selects how a snapshot's memory is backed on restore.
type MemoryBackendType int

const (
	MemoryBackendFile MemoryBackendType = iota
	MemoryBackendUffd
)

// MemoryBackend describes the memory-backing file (or UFFD socket) used
// when restoring from a snapshot.
type MemoryBackend struct {
	Type MemoryBackendType `json:"backend_type"`
	Path string            `json:"backend_path"`
}

// LoadSnapshot is the descriptor passed to PUT /snapshot/load.
type LoadSnapshot struct {
	SnapshotPath        string        `json:"snapshot_path"`
	MemoryBackend       MemoryBackend `json:"mem_backend"`
	ResumeVM            bool          `json:"resume_vm"`
	EnableDiffSnapshots bool          `json:"enable_diff_snapshots"`
}

// New is the New configuration variant: a boot-method selection plus the
// device inventory.
type New struct {
	InitMethod InitMethod
	// ConfigPath is the inner path written with --config-file when
	// InitMethod is ViaJsonConfiguration.
	ConfigPath string
	Data       Data
}

// Restored is the RestoredFromSnapshot configuration variant.
type Restored struct {
	LoadSnapshot LoadSnapshot
	Data         Data
}

// Variant discriminates Configuration.
type Variant int

const (
	VariantNew Variant = iota
	VariantRestored
)

// Configuration is the tagged union the VM layer consumes: exactly one of
// New/Restored is populated, selected by Variant.
type Configuration struct {
	Variant  Variant
	New      *New
	Restored *Restored
}

// Data returns the active variant's device inventory.
func (c *Configuration) Data() *Data {
	switch c.Variant {
	case VariantNew:
		return &c.New.Data
	case VariantRestored:
		return &c.Restored.Data
	default:
		return nil
	}
}

// BootSource is the guest kernel/initrd/boot-args triple.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	InitrdPath      string `json:"initrd_path,omitempty"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// Drive is one block device attached to the guest.
type Drive struct {
	ID         string `json:"drive_id"`
	PathOnHost string `json:"path_on_host"`
	// SocketPath, if set, is the outer path of the drive's vhost-user
	// socket; StandardPaths exposes this by drive id.
	SocketPath   string `json:"socket,omitempty"`
	IsReadOnly   bool   `json:"is_read_only"`
	IsRootDevice bool   `json:"is_root_device"`
}

// MachineConfig is the guest's vCPU/memory shape.
type MachineConfig struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMib int  `json:"mem_size_mib"`
	Smt        bool `json:"smt,omitempty"`
}

// NetworkInterface is one guest NIC.
type NetworkInterface struct {
	ID          string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMac    string `json:"guest_mac,omitempty"`
}

// Balloon is the optional memory balloon device.
type Balloon struct {
	AmountMib             int  `json:"amount_mib"`
	DeflateOnOom          bool `json:"deflate_on_oom"`
	StatsPollingIntervalS int  `json:"stats_polling_interval_s,omitempty"`
}

// Vsock is the optional vsock device. UDSPath is the inner path of the
// multiplexer socket the VMM will create and bind.
type Vsock struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// Logger configures the VMM's own log file.
type Logger struct {
	LogPath string `json:"log_path"`
	Level   string `json:"level,omitempty"`
}

// Metrics configures the VMM's own metrics file.
type Metrics struct {
	MetricsPath string `json:"metrics_path"`
}

// MMDS configures the metadata service's network exposure. Its data content
// is out of scope for this module.
type MMDS struct {
	Version           string   `json:"version,omitempty"`
	NetworkInterfaces []string `json:"network_interfaces"`
}

// Entropy is the optional virtio-rng device.
type Entropy struct {
	RateLimiterBytesPerSec int `json:"rate_limiter_bytes_per_sec,omitempty"`
}

// Data is the full device inventory shared by both configuration variants.
type Data struct {
	BootSource        *BootSource        `json:"boot-source,omitempty"`
	Drives            []Drive            `json:"drives,omitempty"`
	MachineConfig     MachineConfig      `json:"machine-config"`
	CPUTemplate       string             `json:"cpu-template,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"network-interfaces,omitempty"`
	Balloon           *Balloon           `json:"balloon,omitempty"`
	Vsock             *Vsock             `json:"vsock,omitempty"`
	Logger            *Logger            `json:"logger,omitempty"`
	Metrics           *Metrics           `json:"metrics,omitempty"`
	MMDS              *MMDS              `json:"mmds-config,omitempty"`
	Entropy           *Entropy           `json:"entropy,omitempty"`
}
