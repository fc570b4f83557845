package vm

import (
	"context"
	"fmt"

	"github.com/ctools-dev/fcsupervisor/snapshot"
	"github.com/ctools-dev/fcsupervisor/vm/config"
)

// runBootSequence issues the ordered PUT requests the active configuration
// variant requires. By the time this runs the process supervisor has
// already transitioned to Started, so no additional precondition check is
// needed here.
func (v *Vm) runBootSequence(ctx context.Context, cfg *config.Configuration) error {
	switch cfg.Variant {
	case config.VariantNew:
		return v.runNewBootSequence(ctx, &cfg.New.Data)
	case config.VariantRestored:
		return v.runRestoreSequence(ctx, cfg.Restored)
	default:
		return fmt.Errorf("vm: unknown configuration variant %d", cfg.Variant)
	}
}

func (v *Vm) runNewBootSequence(ctx context.Context, data *config.Data) error {
	put := func(route string, body any) error {
		return v.proc.SendAPIRequest(ctx, "PUT", route, body, nil)
	}

	if data.BootSource != nil {
		if err := put("/boot-source", data.BootSource); err != nil {
			return err
		}
	}
	for i := range data.Drives {
		if err := put("/drives/"+data.Drives[i].ID, &data.Drives[i]); err != nil {
			return err
		}
	}
	if err := put("/machine-config", &data.MachineConfig); err != nil {
		return err
	}
	if data.CPUTemplate != "" {
		if err := put("/cpu-config", map[string]string{"template": data.CPUTemplate}); err != nil {
			return err
		}
	}
	for i := range data.NetworkInterfaces {
		if err := put("/network-interfaces/"+data.NetworkInterfaces[i].ID, &data.NetworkInterfaces[i]); err != nil {
			return err
		}
	}
	if data.Balloon != nil {
		if err := put("/balloon", data.Balloon); err != nil {
			return err
		}
	}
	if data.Vsock != nil {
		if err := put("/vsock", data.Vsock); err != nil {
			return err
		}
	}
	if data.Logger != nil {
		if err := put("/logger", data.Logger); err != nil {
			return err
		}
	}
	if data.Metrics != nil {
		if err := put("/metrics", data.Metrics); err != nil {
			return err
		}
	}
	if data.MMDS != nil {
		if err := put("/mmds/config", data.MMDS); err != nil {
			return err
		}
	}
	if data.Entropy != nil {
		if err := put("/entropy", data.Entropy); err != nil {
			return err
		}
	}
	return put("/actions", map[string]string{"action_type": "InstanceStart"})
}

func (v *Vm) runRestoreSequence(ctx context.Context, restored *config.Restored) error {
	put := func(route string, body any) error {
		return v.proc.SendAPIRequest(ctx, "PUT", route, body, nil)
	}

	if restored.Data.Logger != nil {
		if err := put("/logger", restored.Data.Logger); err != nil {
			return err
		}
	}
	if restored.Data.Metrics != nil {
		if err := put("/metrics", restored.Data.Metrics); err != nil {
			return err
		}
	}
	return put("/snapshot/load", &restored.LoadSnapshot)
}

// GetInfo returns the VMM's top-level info document.
func (v *Vm) GetInfo(ctx context.Context) (map[string]any, error) {
	if err := v.ensurePausedOrRunning(); err != nil {
		return nil, err
	}
	var out map[string]any
	err := v.proc.SendAPIRequest(ctx, "GET", "/", nil, &out)
	return out, err
}

// FlushMetrics requests the VMM write out its current metrics.
func (v *Vm) FlushMetrics(ctx context.Context) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PUT", "/actions", map[string]string{"action_type": "FlushMetrics"}, nil)
}

// GetBalloon returns the current balloon device configuration.
func (v *Vm) GetBalloon(ctx context.Context) (config.Balloon, error) {
	if err := v.ensurePausedOrRunning(); err != nil {
		return config.Balloon{}, err
	}
	var out config.Balloon
	err := v.proc.SendAPIRequest(ctx, "GET", "/balloon", nil, &out)
	return out, err
}

// UpdateBalloon patches the balloon device.
func (v *Vm) UpdateBalloon(ctx context.Context, patch any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PATCH", "/balloon", patch, nil)
}

// GetBalloonStats returns balloon statistics. Valid only while Running.
func (v *Vm) GetBalloonStats(ctx context.Context) (map[string]any, error) {
	if err := v.ensureState(Running); err != nil {
		return nil, err
	}
	var out map[string]any
	err := v.proc.SendAPIRequest(ctx, "GET", "/balloon/statistics", nil, &out)
	return out, err
}

// UpdateBalloonStats patches the balloon's statistics polling interval.
func (v *Vm) UpdateBalloonStats(ctx context.Context, patch any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PATCH", "/balloon/statistics", patch, nil)
}

// PatchDrive patches a drive's runtime-mutable fields (e.g. path_on_host for
// a rate limiter swap).
func (v *Vm) PatchDrive(ctx context.Context, id string, patch any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PATCH", "/drives/"+id, patch, nil)
}

// PatchNetworkInterface patches a NIC's runtime-mutable fields.
func (v *Vm) PatchNetworkInterface(ctx context.Context, id string, patch any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PATCH", "/network-interfaces/"+id, patch, nil)
}

// GetMachineConfig returns the guest's current vCPU/memory shape.
func (v *Vm) GetMachineConfig(ctx context.Context) (config.MachineConfig, error) {
	if err := v.ensurePausedOrRunning(); err != nil {
		return config.MachineConfig{}, err
	}
	var out config.MachineConfig
	err := v.proc.SendAPIRequest(ctx, "GET", "/machine-config", nil, &out)
	return out, err
}

// CreateSnapshot captures a snapshot of a Paused VM. snapshotPath and
// memFilePath are inner paths as the VMM sees them; the returned Data, and
// the trace recorded on the VM, carry their outer (host) paths. Cleanup does
// not remove these files.
func (v *Vm) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string, diff bool) (snapshot.Data, error) {
	if err := v.ensureState(Paused); err != nil {
		return snapshot.Data{}, err
	}

	descriptor := map[string]any{
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
		"snapshot_type": "Full",
	}
	if diff {
		descriptor["snapshot_type"] = "Diff"
	}

	if err := v.proc.SendAPIRequest(ctx, "PUT", "/snapshot/create", descriptor, nil); err != nil {
		return snapshot.Data{}, err
	}

	v.mu.Lock()
	data := snapshot.Data{
		SnapshotPath:  v.exec.InnerToOuterPath(v.install, snapshotPath),
		MemFilePath:   v.exec.InnerToOuterPath(v.install, memFilePath),
		Configuration: *v.cfg.Data(),
		IsDiff:        diff,
	}
	v.snapshotTraces = append(v.snapshotTraces, data)
	v.mu.Unlock()

	return data, nil
}

// GetVersion returns the VMM's reported version string.
func (v *Vm) GetVersion(ctx context.Context) (string, error) {
	if err := v.ensurePausedOrRunning(); err != nil {
		return "", err
	}
	var out struct {
		FirecrackerVersion string `json:"firecracker_version"`
	}
	err := v.proc.SendAPIRequest(ctx, "GET", "/version", nil, &out)
	return out.FirecrackerVersion, err
}

// GetEffectiveConfig returns the VMM's currently effective configuration.
// This is a pure read: unlike one call path observed in the original
// implementation, it must not flip is_paused.
func (v *Vm) GetEffectiveConfig(ctx context.Context) (map[string]any, error) {
	if err := v.ensurePausedOrRunning(); err != nil {
		return nil, err
	}
	var out map[string]any
	err := v.proc.SendAPIRequest(ctx, "GET", "/vm/config", nil, &out)
	return out, err
}

// Pause transitions a Running VM to Paused.
func (v *Vm) Pause(ctx context.Context) error {
	if err := v.ensureState(Running); err != nil {
		return err
	}
	if err := v.proc.SendAPIRequest(ctx, "PATCH", "/vm", map[string]string{"state": "Paused"}, nil); err != nil {
		return err
	}
	v.mu.Lock()
	v.isPaused = true
	v.mu.Unlock()
	return nil
}

// Resume transitions a Paused VM to Running.
func (v *Vm) Resume(ctx context.Context) error {
	if err := v.ensureState(Paused); err != nil {
		return err
	}
	if err := v.proc.SendAPIRequest(ctx, "PATCH", "/vm", map[string]string{"state": "Resumed"}, nil); err != nil {
		return err
	}
	v.mu.Lock()
	v.isPaused = false
	v.mu.Unlock()
	return nil
}

// MmdsGet reads the current MMDS data store.
func (v *Vm) MmdsGet(ctx context.Context) (map[string]any, error) {
	if err := v.ensurePausedOrRunning(); err != nil {
		return nil, err
	}
	var out map[string]any
	err := v.proc.SendAPIRequest(ctx, "GET", "/mmds", nil, &out)
	return out, err
}

// MmdsPut replaces the MMDS data store.
func (v *Vm) MmdsPut(ctx context.Context, value any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PUT", "/mmds", value, nil)
}

// MmdsPatch merges into the MMDS data store.
func (v *Vm) MmdsPatch(ctx context.Context, value any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, "PATCH", "/mmds", value, nil)
}

// SendCustomRequest passes an arbitrary request straight through to the
// VMM's API, for routes this package does not otherwise expose.
func (v *Vm) SendCustomRequest(ctx context.Context, method, route string, body, out any) error {
	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}
	return v.proc.SendAPIRequest(ctx, method, route, body, out)
}
