package nn

// Numeric is the set of element types the strided helpers operate on.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// CopyCPU copies n elements: y[i*incy] = x[i*incx].
func CopyCPU[T Numeric](n int, x []T, incx int, y []T, incy int) {
	if incx == 1 && incy == 1 {
		copy(y[:n], x[:n])
		return
	}
	for i := 0; i < n; i++ {
		y[i*incy] = x[i*incx]
	}
}

// AxpyCPU accumulates n elements: y[i*incy] += alpha * x[i*incx].
func AxpyCPU[T Numeric](n int, alpha T, x []T, incx int, y []T, incy int) {
	for i := 0; i < n; i++ {
		y[i*incy] += alpha * x[i*incx]
	}
}
