package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/tensor"
	"github.com/klauspost/cpuid/v2"
)

// KindCPU is the DeviceInfo kind of the host processor.
const KindCPU = "cpu"

// Selection is the device and precision a model runs with.
type Selection struct {
	Device    backend.DeviceInfo
	Precision tensor.Precision
}

// Spec returns the device part of a model spec.
func (s Selection) Spec() backend.ModelSpec {
	return backend.ModelSpec{Device: s.Device.Name, Precision: s.Precision}
}

// HostCPU describes the processor this binary runs on.
func HostCPU() backend.DeviceInfo {
	return backend.DeviceInfo{
		Name: KindCPU,
		Kind: KindCPU,
	}
}

// HostHasHalfPrecision reports whether the host CPU converts fp16 in hardware.
func HostHasHalfPrecision() bool {
	return cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.FPHP)
}

// Select picks the fastest device ae offers for the configured preference,
// then the precision: fp16 on accelerators, fp32 on the CPU, unless set explicitly.
func Select(ctx context.Context, modelConfig config.ModelConfig, ae backend.Autoencoder) (Selection, error) {
	pref := modelConfig.Device
	if pref == "" {
		pref = config.DeviceAuto
	}

	var sel Selection
	switch pref {
	case config.DeviceCPU:
		sel.Device = HostCPU()
	case config.DeviceAuto, config.DeviceAccelerator:
		acc, ok := accelerator(ctx, ae)
		switch {
		case ok:
			sel.Device = acc
		case pref == config.DeviceAccelerator:
			return Selection{}, fmt.Errorf("%w for backend %s", ErrNoAccelerator, ae.Provider())
		default:
			sel.Device = HostCPU()
		}
	default:
		return Selection{}, fmt.Errorf("%w: %q", ErrUnknownDevice, pref)
	}

	precision, err := selectPrecision(modelConfig.Precision, sel.Device)
	if err != nil {
		return Selection{}, err
	}
	sel.Precision = precision

	attrs := []any{"device", sel.Device.Name, "kind", sel.Device.Kind, "precision", sel.Precision}
	if sel.Device.MemoryBytes > 0 {
		attrs = append(attrs, "memory", humanize.IBytes(sel.Device.MemoryBytes))
	}
	if !sel.Device.Accelerated {
		attrs = append(attrs, "cpu", cpuid.CPU.BrandName, "cores", cpuid.CPU.LogicalCores)
	}
	slog.Info("Compute device selected", attrs...)

	return sel, nil
}

// accelerator returns the first accelerated device ae reports.
func accelerator(ctx context.Context, ae backend.Autoencoder) (backend.DeviceInfo, bool) {
	reporter, ok := ae.(backend.DeviceReporter)
	if !ok {
		return backend.DeviceInfo{}, false
	}

	devices, err := reporter.Devices(ctx)
	if err != nil {
		slog.Warn("Failed to list backend devices, falling back to CPU", "backend", ae.Provider(), "error", err)
		return backend.DeviceInfo{}, false
	}

	for _, d := range devices {
		if d.Accelerated {
			return d, true
		}
	}
	return backend.DeviceInfo{}, false
}

func selectPrecision(name string, dev backend.DeviceInfo) (tensor.Precision, error) {
	if name == "" || name == config.PrecisionAuto {
		if dev.Accelerated {
			return tensor.PrecisionFloat16, nil
		}
		return tensor.PrecisionFloat32, nil
	}

	p, err := tensor.ParsePrecision(name)
	if err != nil {
		return "", err
	}

	if p == tensor.PrecisionFloat16 && !dev.Accelerated && !HostHasHalfPrecision() {
		slog.Warn("Half precision requested on a CPU without fp16 support, expect slow conversion", "cpu", cpuid.CPU.BrandName)
	}
	return p, nil
}
