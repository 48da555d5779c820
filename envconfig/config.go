package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via ROUTE_DEBUG in the environment
	Debug bool
	// Set via ROUTE_QUANT_STEP in the environment
	QuantStep int
	// Set via ROUTE_QUANT_PERCENTILE in the environment
	QuantPercentile float64
	// Set via ROUTE_DEQUANT_WORKERS in the environment
	DequantWorkers int
	// Set via ROUTE_DEVICE in the environment
	Device string
)

const (
	DefaultQuantStep       = 10000
	DefaultQuantPercentile = 0.999
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ROUTE_DEBUG":            {"ROUTE_DEBUG", Debug, "Show additional debug information (e.g. ROUTE_DEBUG=1)"},
		"ROUTE_QUANT_STEP":       {"ROUTE_QUANT_STEP", QuantStep, "Training step after which route layers recalibrate quantization (default 10000)"},
		"ROUTE_QUANT_PERCENTILE": {"ROUTE_QUANT_PERCENTILE", QuantPercentile, "Percentile used to clamp observed activations (default 0.999)"},
		"ROUTE_DEQUANT_WORKERS":  {"ROUTE_DEQUANT_WORKERS", DequantWorkers, "Maximum goroutines used to dequantize a route block (default GOMAXPROCS)"},
		"ROUTE_DEVICE":           {"ROUTE_DEVICE", Device, "Device backing layer mirrors: none, host or webgpu (default none)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	QuantStep = DefaultQuantStep
	QuantPercentile = DefaultQuantPercentile
	DequantWorkers = runtime.GOMAXPROCS(0)
	Device = "none"

	if debug := clean("ROUTE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if step := clean("ROUTE_QUANT_STEP"); step != "" {
		val, err := strconv.Atoi(step)
		if err != nil || val < 0 {
			slog.Error("invalid setting must be zero or greater", "ROUTE_QUANT_STEP", step, "error", err)
		} else {
			QuantStep = val
		}
	}

	if p := clean("ROUTE_QUANT_PERCENTILE"); p != "" {
		val, err := strconv.ParseFloat(p, 64)
		if err != nil || val <= 0 || val > 1 {
			slog.Error("invalid setting must be in (0, 1]", "ROUTE_QUANT_PERCENTILE", p, "error", err)
		} else {
			QuantPercentile = val
		}
	}

	if w := clean("ROUTE_DEQUANT_WORKERS"); w != "" {
		val, err := strconv.Atoi(w)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "ROUTE_DEQUANT_WORKERS", w, "error", err)
		} else {
			DequantWorkers = val
		}
	}

	if dev := strings.ToLower(clean("ROUTE_DEVICE")); dev != "" {
		switch dev {
		case "none", "host", "webgpu":
			Device = dev
		default:
			slog.Error("invalid setting, ignoring", "ROUTE_DEVICE", dev)
		}
	}
}
