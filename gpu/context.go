//go:build gpu

package gpu

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
	initErr  error
}

var ctx Context

// GetContext returns the singleton GPU context, initializing it if necessary
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.Instance = wgpu.CreateInstance(nil)
		if ctx.Instance == nil {
			ctx.initErr = errors.New("failed to create WebGPU instance")
			return
		}

		// Prefer a discrete NVIDIA adapter when one is enumerated.
		for _, a := range ctx.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			slog.Debug("webgpu adapter", "name", info.Name, "vendor", info.VendorName, "type", info.AdapterType)
			if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
				strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
				ctx.Adapter = a
				break
			}
		}

		tryInit := func(opts *wgpu.RequestAdapterOptions) error {
			if ctx.Adapter != nil {
				return nil
			}
			var err error
			ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
			return err
		}

		err := tryInit(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance})
		if err != nil && ctx.Adapter == nil {
			slog.Warn("high performance adapter failed, falling back", "error", err)
			err = tryInit(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceLowPower})
		}
		if err != nil && ctx.Adapter == nil {
			slog.Warn("low power adapter failed, trying default", "error", err)
			err = tryInit(nil)
		}
		if ctx.Adapter == nil {
			ctx.initErr = errors.Wrap(err, "all adapter attempts failed")
			return
		}

		info := ctx.Adapter.GetInfo()
		slog.Info("using webgpu adapter", "name", info.Name, "vendor", info.VendorName)

		ctx.Device, err = ctx.Adapter.RequestDevice(nil)
		if err != nil {
			ctx.initErr = errors.Wrap(err, "request device")
			return
		}
		ctx.Queue = ctx.Device.GetQueue()
	})

	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, errors.New("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}
