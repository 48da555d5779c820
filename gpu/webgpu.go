//go:build gpu

package gpu

import (
	"fmt"
	"math"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// Enabled reports whether the WebGPU device is compiled in.
const Enabled = true

const (
	axpyWorkgroup = 256
	// largest element count a single 1-D dispatch can cover
	maxDispatchElems = 65535 * axpyWorkgroup
)

// WebGPUDevice implements Device on the shared WebGPU context.
type WebGPUDevice struct {
	ctx *Context

	mu           sync.Mutex
	axpyPipeline *wgpu.ComputePipeline
	axpyParams   *wgpu.Buffer
}

type webgpuArray struct {
	buf *wgpu.Buffer
	n   int
}

func (a *webgpuArray) Len() int { return a.n }

// NewWebGPUDevice initializes the WebGPU context and compiles the accumulate kernel.
func NewWebGPUDevice() (*WebGPUDevice, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	d := &WebGPUDevice{ctx: c}
	if err := d.compileAxpy(); err != nil {
		return nil, err
	}
	return d, nil
}

func openWebGPU() (Device, error) {
	return NewWebGPUDevice()
}

func (d *WebGPUDevice) Name() string { return "webgpu" }

func (d *WebGPUDevice) array(a Array) (*webgpuArray, error) {
	w, ok := a.(*webgpuArray)
	if !ok || w == nil || w.buf == nil {
		return nil, errors.Wrapf(ErrForeignArray, "%T on webgpu device", a)
	}
	return w, nil
}

func (d *WebGPUDevice) MakeArray(data []float32) (Array, error) {
	buf, err := d.ctx.newStorageBuffer(data)
	if err != nil {
		return nil, err
	}
	return &webgpuArray{buf: buf, n: len(data)}, nil
}

func (d *WebGPUDevice) Free(a Array) {
	if w, ok := a.(*webgpuArray); ok && w.buf != nil {
		w.buf.Destroy()
		w.buf = nil
	}
}

func (d *WebGPUDevice) Copy(n int, src Array, srcOff int, dst Array, dstOff int) error {
	s, err := d.array(src)
	if err != nil {
		return err
	}
	t, err := d.array(dst)
	if err != nil {
		return err
	}
	if err := checkRange(s, srcOff, n); err != nil {
		return err
	}
	if err := checkRange(t, dstOff, n); err != nil {
		return err
	}

	enc, err := d.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return errors.Wrap(err, "copy encoder")
	}
	enc.CopyBufferToBuffer(s.buf, uint64(srcOff*4), t.buf, uint64(dstOff*4), uint64(n*4))
	cmd, err := enc.Finish(nil)
	if err != nil {
		return errors.Wrap(err, "copy finish")
	}
	d.ctx.Queue.Submit(cmd)
	return nil
}

func (d *WebGPUDevice) generateAxpyShader() string {
	return fmt.Sprintf(`
		struct Params {
			n : u32,
			x_off : u32,
			y_off : u32,
			alpha : f32,
		};

		@group(0) @binding(0) var<storage, read> x : array<f32>;
		@group(0) @binding(1) var<storage, read_write> y : array<f32>;
		@group(0) @binding(2) var<uniform> params : Params;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let i = gid.x;
			if (i >= params.n) { return; }
			y[params.y_off + i] = y[params.y_off + i] + params.alpha * x[params.x_off + i];
		}
	`, axpyWorkgroup)
}

func (d *WebGPUDevice) compileAxpy() error {
	module, err := d.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Axpy_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: d.generateAxpyShader()},
	})
	if err != nil {
		return errors.Wrap(err, "axpy shader")
	}
	defer module.Release()

	d.axpyPipeline, err = d.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "Axpy_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return errors.Wrap(err, "axpy pipeline")
	}

	d.axpyParams, err = d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Axpy_Params",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	return err
}

func (d *WebGPUDevice) Axpy(n int, alpha float32, x Array, xOff int, y Array, yOff int) error {
	xs, err := d.array(x)
	if err != nil {
		return err
	}
	ys, err := d.array(y)
	if err != nil {
		return err
	}
	if err := checkRange(xs, xOff, n); err != nil {
		return err
	}
	if err := checkRange(ys, yOff, n); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bindGroup, err := d.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Axpy_Bind",
		Layout: d.axpyPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: xs.buf, Size: xs.buf.GetSize()},
			{Binding: 1, Buffer: ys.buf, Size: ys.buf.GetSize()},
			{Binding: 2, Buffer: d.axpyParams, Size: d.axpyParams.GetSize()},
		},
	})
	if err != nil {
		return errors.Wrap(err, "axpy bind group")
	}
	defer bindGroup.Release()

	for start := 0; start < n; start += maxDispatchElems {
		chunk := min(n-start, maxDispatchElems)
		params := []uint32{uint32(chunk), uint32(xOff + start), uint32(yOff + start), math.Float32bits(alpha)}
		d.ctx.Queue.WriteBuffer(d.axpyParams, 0, wgpu.ToBytes(params))

		enc, err := d.ctx.Device.CreateCommandEncoder(nil)
		if err != nil {
			return errors.Wrap(err, "axpy encoder")
		}
		pass := enc.BeginComputePass(nil)
		pass.SetPipeline(d.axpyPipeline)
		pass.SetBindGroup(0, bindGroup, nil)
		pass.DispatchWorkgroups(uint32((chunk+axpyWorkgroup-1)/axpyWorkgroup), 1, 1)
		pass.End()
		cmd, err := enc.Finish(nil)
		if err != nil {
			return errors.Wrap(err, "axpy finish")
		}
		d.ctx.Queue.Submit(cmd)
	}
	return nil
}

func (d *WebGPUDevice) Pull(src Array, dst []float32) error {
	s, err := d.array(src)
	if err != nil {
		return err
	}
	if err := checkRange(s, 0, len(dst)); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	return d.ctx.readInto(s.buf, dst)
}

func (d *WebGPUDevice) Push(dst Array, src []float32) error {
	t, err := d.array(dst)
	if err != nil {
		return err
	}
	if err := checkRange(t, 0, len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	d.ctx.Queue.WriteBuffer(t.buf, 0, wgpu.ToBytes(src))
	return nil
}

// Release frees the accumulate kernel. The shared context stays alive.
func (d *WebGPUDevice) Release() {
	if d.axpyPipeline != nil {
		d.axpyPipeline.Release()
		d.axpyPipeline = nil
	}
	if d.axpyParams != nil {
		d.axpyParams.Destroy()
		d.axpyParams = nil
	}
}
