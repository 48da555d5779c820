package gpu

import (
	"github.com/pkg/errors"
)

// HostDevice runs the Device contract on ordinary Go slices. It backs
// device-enabled networks on machines without an adapter.
type HostDevice struct{}

type hostArray struct {
	data []float32
}

func (a *hostArray) Len() int { return len(a.data) }

// NewHostDevice creates a host-emulated device.
func NewHostDevice() *HostDevice {
	return &HostDevice{}
}

func (d *HostDevice) Name() string { return "host" }

func (d *HostDevice) MakeArray(data []float32) (Array, error) {
	a := &hostArray{data: make([]float32, len(data))}
	copy(a.data, data)
	return a, nil
}

func (d *HostDevice) Free(a Array) {
	if h, ok := a.(*hostArray); ok {
		h.data = nil
	}
}

func (d *HostDevice) array(a Array) (*hostArray, error) {
	h, ok := a.(*hostArray)
	if !ok || h == nil {
		return nil, errors.Wrapf(ErrForeignArray, "%T on host device", a)
	}
	return h, nil
}

func (d *HostDevice) Copy(n int, src Array, srcOff int, dst Array, dstOff int) error {
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
	copy(t.data[dstOff:dstOff+n], s.data[srcOff:srcOff+n])
	return nil
}

func (d *HostDevice) Axpy(n int, alpha float32, x Array, xOff int, y Array, yOff int) error {
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
	for i := 0; i < n; i++ {
		ys.data[yOff+i] += alpha * xs.data[xOff+i]
	}
	return nil
}

func (d *HostDevice) Pull(src Array, dst []float32) error {
	s, err := d.array(src)
	if err != nil {
		return err
	}
	if err := checkRange(s, 0, len(dst)); err != nil {
		return err
	}
	copy(dst, s.data)
	return nil
}

func (d *HostDevice) Push(dst Array, src []float32) error {
	t, err := d.array(dst)
	if err != nil {
		return err
	}
	if err := checkRange(t, 0, len(src)); err != nil {
		return err
	}
	copy(t.data, src)
	return nil
}

func (d *HostDevice) Release() {}
