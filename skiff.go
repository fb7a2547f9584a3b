// Package skiff is a virtual machine monitor library: it creates hardware
// virtual machines over the platform hypervisor, assigns CPU and memory
// resources, exposes virtio devices, and manages lifecycle including
// hotplug, snapshot/restore, and live migration.
package skiff

import (
	"runtime"

	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/hv/kvm"
	"github.com/skiffvm/skiff/internal/vm"
)

// VM is one virtual machine. See the lifecycle and hotplug methods for the
// control surface.
type VM = vm.VM

// Config describes a machine; ParseConfig decodes it from YAML.
type Config = vm.Config

// Size is a byte count with human-readable YAML notation ("256MiB").
type Size = vm.Size

// Duration is a wait bound with time.ParseDuration YAML notation.
type Duration = vm.Duration

// State is the machine lifecycle position.
type State = vm.State

// MigrateOptions bounds live migration's iterative copy phase.
type MigrateOptions = vm.MigrateOptions

// DeviceBuilder reconstructs a machine's device set during restore.
type DeviceBuilder = vm.DeviceBuilder

// Lifecycle states.
const (
	StateCreated  = vm.StateCreated
	StateRunning  = vm.StateRunning
	StatePaused   = vm.StatePaused
	StateShutdown = vm.StateShutdown
)

// Common sentinel errors.
var (
	ErrSnapshotFailed      = vm.ErrSnapshotFailed
	ErrIncompatibleVersion = vm.ErrIncompatibleVersion
	ErrFenced              = vm.ErrFenced

	// ErrHypervisorUnavailable indicates no hardware hypervisor can be
	// opened: wrong platform, missing /dev/kvm, or missing permissions.
	ErrHypervisorUnavailable = hv.ErrUnsupported
)

// DefaultConfig returns the configuration baseline.
func DefaultConfig() Config { return vm.DefaultConfig() }

// ParseConfig decodes a YAML document over DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) { return vm.ParseConfig(data) }

// New creates a machine on the platform hypervisor. The machine comes up
// in StateCreated; Boot starts execution.
func New(cfg Config) (*VM, error) {
	hyp, err := openHypervisor()
	if err != nil {
		return nil, err
	}
	return vm.New(hyp, cfg)
}

// RestoreFile rebuilds a machine from a snapshot image on disk. The build
// callback must attach the same device set the source machine had.
func RestoreFile(cfg Config, path string, build DeviceBuilder) (*VM, error) {
	hyp, err := openHypervisor()
	if err != nil {
		return nil, err
	}
	return vm.RestoreFile(hyp, cfg, path, build)
}

func openHypervisor() (hv.Hypervisor, error) {
	if runtime.GOOS != "linux" {
		return nil, hv.ErrUnsupported
	}
	return kvm.Open()
}
