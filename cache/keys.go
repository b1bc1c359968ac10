package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ModuleID identifies a device module within the process.
type ModuleID string

// NewModuleID returns a fresh random module identity.
func NewModuleID() ModuleID {
	return ModuleID(uuid.NewString())
}

// DeviceID identifies a target device.
type DeviceID string

// ProgramHandle is an opaque native program handle owned by the backend.
type ProgramHandle uint64

// KernelHandle is an opaque native kernel handle owned by the backend.
type KernelHandle uint64

// ArgMask records which kernel arguments the backend compiler eliminated.
// A nil mask means no argument was eliminated.
type ArgMask []bool

// Eliminated reports whether argument i was eliminated.
func (m ArgMask) Eliminated(i int) bool {
	return i >= 0 && i < len(m) && m[i]
}

// Count returns the number of eliminated arguments.
func (m ArgMask) Count() int {
	n := 0
	for _, e := range m {
		if e {
			n++
		}
	}
	return n
}

// Module is a serialized device module and its identity.
type Module struct {
	ID    ModuleID
	Image []byte
}

// NewModule wraps image with a fresh identity.
func NewModule(image []byte) Module {
	return Module{ID: NewModuleID(), Image: image}
}

// Fingerprint returns a 64-bit hash of the module image.
func (m Module) Fingerprint() uint64 {
	return xxhash.Sum64(m.Image)
}

// ProgramKey returns the program cache key for building m on device with
// the given options.
func (m Module) ProgramKey(device DeviceID, options string) ProgramKey {
	return ProgramKey{
		Image:   string(m.Image),
		Module:  m.ID,
		Device:  device,
		Options: options,
	}
}

// FastKey returns the dispatch key for kernel in m built on device with
// the given options.
func (m Module) FastKey(device DeviceID, options, kernel string) FastKey {
	return FastKey{
		Image:   string(m.Image),
		Module:  m.ID,
		Device:  device,
		Options: options,
		Kernel:  kernel,
	}
}

// ProgramKey identifies one build of a module. Two builds of the same module
// on the same device with different options are distinct entries.
type ProgramKey struct {
	Image   string // serialized module bytes
	Module  ModuleID
	Device  DeviceID
	Options string
}

// CommonKey is the (module, device) part of a ProgramKey, shared by every
// options variant.
type CommonKey struct {
	Module ModuleID
	Device DeviceID
}

// Common returns the common key of k.
func (k ProgramKey) Common() CommonKey {
	return CommonKey{Module: k.Module, Device: k.Device}
}

// Fingerprint returns a 64-bit hash of the module image.
func (k ProgramKey) Fingerprint() uint64 {
	return xxhash.Sum64String(k.Image)
}

// String returns a compact form of the key that omits the image bytes.
func (k ProgramKey) String() string {
	return fmt.Sprintf("%s@%s#%016x[%s]", k.Module, k.Device, k.Fingerprint(), k.Options)
}

// KernelKey identifies a kernel within a built program.
type KernelKey struct {
	Program ProgramHandle
	Name    string
}

// Common returns the program that owns the kernel.
func (k KernelKey) Common() ProgramHandle {
	return k.Program
}

// FastKey is the flat dispatch key used by the fast path.
type FastKey struct {
	Image   string
	Module  ModuleID
	Device  DeviceID
	Options string
	Kernel  string
}

// ProgramKey returns the program cache key the kernel is built from.
func (k FastKey) ProgramKey() ProgramKey {
	return ProgramKey{
		Image:   k.Image,
		Module:  k.Module,
		Device:  k.Device,
		Options: k.Options,
	}
}
