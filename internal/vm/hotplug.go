package vm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/memory"
)

// HotplugAddCPU brings a new vCPU online. The vCPU is constructed at the
// pause barrier and starts executing when the machine resumes; setup runs
// before the first entry and may be nil.
func (v *VM) HotplugAddCPU(id int, setup func(hv.VCPU) error) error {
	return v.withPaused(func() error {
		if err := v.cpus.AddVCPU(id, setup); err != nil {
			hotplugOps.WithLabelValues("cpu", "add", "error").Inc()
			return fmt.Errorf("hotplug vcpu %d: %w", id, err)
		}
		hotplugOps.WithLabelValues("cpu", "add", "ok").Inc()
		vcpuCount.Set(float64(v.cpus.Count()))
		slog.Debug("vm: vcpu hotplugged", "id", v.id, "vcpu", id)
		return nil
	})
}

// HotplugRemoveCPU takes a vCPU offline and destroys it.
func (v *VM) HotplugRemoveCPU(id int) error {
	return v.withPaused(func() error {
		if err := v.cpus.RemoveVCPU(id); err != nil {
			hotplugOps.WithLabelValues("cpu", "remove", "error").Inc()
			return fmt.Errorf("unplug vcpu %d: %w", id, err)
		}
		hotplugOps.WithLabelValues("cpu", "remove", "ok").Inc()
		vcpuCount.Set(float64(v.cpus.Count()))
		slog.Debug("vm: vcpu unplugged", "id", v.id, "vcpu", id)
		return nil
	})
}

// HotplugAddMemory maps a new removable region above the hotplug base and
// notifies the guest through the virtio-mem device when one is attached.
// The returned handle identifies the region for removal.
func (v *VM) HotplugAddMemory(size uint64) (memory.RegionHandle, error) {
	var handle memory.RegionHandle
	err := v.withPaused(func() error {
		addr := v.nextHotplugAddr()
		h, err := v.mem.AddRegion(memory.RegionSpec{
			GuestAddr: addr,
			Size:      size,
			Hotplug:   true,
		})
		if err != nil {
			hotplugOps.WithLabelValues("memory", "add", "error").Inc()
			return fmt.Errorf("hotplug memory: %w", err)
		}
		v.hotplugged[h] = addr
		if err := v.notifyMemChange(); err != nil {
			// The region is in; only the guest notification failed.
			// Roll the add back so the operation is all or nothing.
			delete(v.hotplugged, h)
			if rerr := v.mem.RemoveRegion(h); rerr != nil {
				return fmt.Errorf("%w: rollback after notify failure: %v",
					hv.ErrHypervisor, rerr)
			}
			hotplugOps.WithLabelValues("memory", "add", "error").Inc()
			return fmt.Errorf("hotplug memory notify: %w", err)
		}
		handle = h
		hotplugOps.WithLabelValues("memory", "add", "ok").Inc()
		memoryBytes.Set(float64(v.mem.TotalBytes()))
		slog.Debug("vm: memory hotplugged", "id", v.id, "addr", fmt.Sprintf("0x%x", addr), "size", size)
		return nil
	})
	return handle, err
}

// HotplugRemoveMemory unmaps a previously hotplugged region. The boot
// region is not removable; a region still referenced by a device fails
// with the memory manager's busy error and nothing changes.
func (v *VM) HotplugRemoveMemory(handle memory.RegionHandle) error {
	return v.withPaused(func() error {
		if _, ok := v.hotplugged[handle]; !ok {
			hotplugOps.WithLabelValues("memory", "remove", "error").Inc()
			return fmt.Errorf("unplug memory: region %d was not hotplugged", handle)
		}
		if err := v.mem.RemoveRegion(handle); err != nil {
			hotplugOps.WithLabelValues("memory", "remove", "error").Inc()
			return fmt.Errorf("unplug memory: %w", err)
		}
		delete(v.hotplugged, handle)
		if err := v.notifyMemChange(); err != nil {
			slog.Error("vm: memory unplug notify", "id", v.id, "err", err)
		}
		hotplugOps.WithLabelValues("memory", "remove", "ok").Inc()
		memoryBytes.Set(float64(v.mem.TotalBytes()))
		return nil
	})
}

// HotplugAddDevice attaches a device to the bus. Attach is atomic: on an
// address conflict the bus table is untouched and the machine resumes as
// it was.
func (v *VM) HotplugAddDevice(dev devices.Device) error {
	return v.withPaused(func() error {
		if err := v.devs.Attach(dev); err != nil {
			hotplugOps.WithLabelValues("device", "add", "error").Inc()
			return fmt.Errorf("hotplug device %s: %w", dev.DeviceID(), err)
		}
		hotplugOps.WithLabelValues("device", "add", "ok").Inc()
		deviceCount.Set(float64(len(v.devs.Devices())))
		slog.Debug("vm: device hotplugged", "id", v.id, "device", dev.DeviceID())
		return nil
	})
}

// HotplugRemoveDevice quiesces in-flight accesses and detaches. On quiesce
// timeout the device stays attached and keeps serving.
func (v *VM) HotplugRemoveDevice(id string) error {
	return v.withPaused(func() error {
		if err := v.devs.Detach(id, time.Duration(v.cfg.QuiesceTimeout)); err != nil {
			hotplugOps.WithLabelValues("device", "remove", "error").Inc()
			return fmt.Errorf("unplug device %s: %w", id, err)
		}
		hotplugOps.WithLabelValues("device", "remove", "ok").Inc()
		deviceCount.Set(float64(len(v.devs.Devices())))
		slog.Debug("vm: device unplugged", "id", v.id, "device", id)
		return nil
	})
}

// BindMemoryDevice registers the virtio-mem model used to tell the guest
// about memory topology changes. Optional; without it hotplug still maps
// the region and the guest discovers it by its own means.
func (v *VM) BindMemoryDevice(dev memNotifier) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.memDev = dev
}

func (v *VM) notifyMemChange() error {
	if v.memDev == nil {
		return nil
	}
	var plugged uint64
	for h := range v.hotplugged {
		for _, ri := range v.mem.Regions() {
			if ri.Handle == h {
				plugged += ri.Size
			}
		}
	}
	return v.memDev.Resize(plugged)
}

// nextHotplugAddr places the next region after the highest mapped region,
// never below the hotplug base.
func (v *VM) nextHotplugAddr() uint64 {
	addr := uint64(hotplugBase)
	for _, ri := range v.mem.Regions() {
		if end := ri.GuestAddr + ri.Size; end > addr {
			addr = end
		}
	}
	return addr
}
