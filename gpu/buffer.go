//go:build gpu

package gpu

import (
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// Every mirror is read and written by kernels and by host transfers.
const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

const readbackTimeout = 2 * time.Second

// newStorageBuffer uploads data into a fresh mirror buffer.
func (c *Context) newStorageBuffer(data []float32) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "Mirror",
		Contents: wgpu.ToBytes(data),
		Usage:    storageUsage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create %d element mirror", len(data))
	}
	return buf, nil
}

// readInto copies the first len(dst) floats of src into dst through a
// mappable staging buffer.
func (c *Context) readInto(src *wgpu.Buffer, dst []float32) error {
	n := uint64(len(dst) * 4)
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Mirror_Staging",
		Size:  n,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrap(err, "staging buffer")
	}
	defer staging.Destroy()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return errors.Wrap(err, "readback encoder")
	}
	enc.CopyBufferToBuffer(src, 0, staging, 0, n)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return errors.Wrap(err, "readback finish")
	}
	c.Queue.Submit(cmd)

	mapped := make(chan wgpu.BufferMapAsyncStatus, 1)
	if err := staging.MapAsync(wgpu.MapModeRead, 0, n, func(status wgpu.BufferMapAsyncStatus) {
		mapped <- status
	}); err != nil {
		return errors.Wrap(err, "map staging buffer")
	}

	// non-blocking polls, so a wedged driver surfaces as a timeout
	deadline := time.Now().Add(readbackTimeout)
	var status wgpu.BufferMapAsyncStatus
	for waiting := true; waiting; {
		c.Device.Poll(false, nil)
		select {
		case status = <-mapped:
			waiting = false
		default:
			if time.Now().After(deadline) {
				return errors.Errorf("readback of %d floats timed out after %s", len(dst), readbackTimeout)
			}
			time.Sleep(time.Millisecond)
		}
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return errors.Errorf("map staging buffer: %v", status)
	}

	data := staging.GetMappedRange(0, uint(n))
	if data == nil {
		return errors.New("staging buffer has no mapped range")
	}
	copy(dst, wgpu.FromBytes[float32](data))
	staging.Unmap()
	return nil
}
