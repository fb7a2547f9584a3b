//go:build linux && amd64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(request int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(request), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVm        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func createVCPU(vmFd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func getDirtyLog(vmFd int, log *kvmDirtyLog) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetDirtyLog), uintptr(unsafe.Pointer(log)))
	return err
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateIrqchip), 0)
	return err
}

func createPIT(vmFd int) error {
	var config [64]byte // struct kvm_pit_config, zeroed flags
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreatePit2), uintptr(unsafe.Pointer(&config[0])))
	return err
}

func setTSSAddr(vmFd int, addr uintptr) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), addr)
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	line := kvmIrqLevel{IRQ: irqLine}
	if level {
		line.Level = 1
	}
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&line)))
	return err
}

func signalMSI(vmFd int, addr uint64, data uint32) error {
	msi := kvmMsi{
		AddressLo: uint32(addr),
		AddressHi: uint32(addr >> 32),
		Data:      data,
	}
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSignalMsi), uintptr(unsafe.Pointer(&msi)))
	return err
}

func getRegs(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func setRegs(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}
