package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/openfluke/loomroute/envconfig"
	"github.com/openfluke/loomroute/gpu"
	"github.com/openfluke/loomroute/logutil"
	"github.com/openfluke/loomroute/nn"
	"github.com/openfluke/loomroute/quant"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type runOptions struct {
	Batch   int
	Sources []string
	Quant   bool
	Dequant bool
	Device  string
	Train   bool
	Step    int
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "routecat",
		Short: "Build and exercise a route (channel concatenation) layer",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug)))
		},
	}

	rootCmd.AddCommand(NewRunCmd(), NewEnvCmd())
	return rootCmd
}

func NewRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Concatenate synthetic sources and run forward and backward",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Batch, "batch", "b", 2, "Samples per batch")
	cmd.Flags().StringSliceVarP(&opts.Sources, "source", "s", []string{"4x4x2", "4x4x3"}, "Source shapes as WxHxC, in concatenation order")
	cmd.Flags().BoolVar(&opts.Quant, "quant", false, "Run the 8-bit forward path")
	cmd.Flags().BoolVar(&opts.Dequant, "dequant", false, "Dequantize the concatenated codes (implies --quant)")
	cmd.Flags().StringVar(&opts.Device, "device", envconfig.Device, "Device for layer mirrors: none, host or webgpu")
	cmd.Flags().BoolVar(&opts.Train, "train", false, "Mark the network as training")
	cmd.Flags().IntVar(&opts.Step, "step", 0, "Images seen so far")
	return cmd
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return envHandler(cmd.OutOrStdout())
		},
	}
}

func envHandler(w io.Writer) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	table := newTable(w, "NAME", "VALUE", "DESCRIPTION")
	for _, name := range names {
		v := vars[name]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()
	return nil
}

// parseShape reads a WxHxC triple.
func parseShape(s string) (w, h, c int, err error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 3 {
		return 0, 0, 0, errors.Errorf("shape %q: want WxHxC", s)
	}
	dims := make([]int, 3)
	for i, p := range parts {
		if dims[i], err = strconv.Atoi(p); err != nil {
			return 0, 0, 0, errors.Wrapf(err, "shape %q", s)
		}
	}
	return dims[0], dims[1], dims[2], nil
}

// buildNetwork adds one source per shape, fills it with a deterministic ramp
// and appends a route over all of them.
func buildNetwork(opts runOptions, dev gpu.Device) (*nn.Network, *nn.RouteLayer, error) {
	net := nn.NewNetwork(opts.Batch, dev)
	handles := make([]int, 0, len(opts.Sources))
	sizes := make([]int, 0, len(opts.Sources))
	for k, s := range opts.Sources {
		w, h, c, err := parseShape(s)
		if err != nil {
			return nil, nil, err
		}
		src, err := nn.NewSourceLayer(opts.Batch, w, h, c, dev)
		if err != nil {
			return nil, nil, err
		}
		for i := range src.Output {
			src.Output[i] = float32(i%7-3) * float32(k+1) / 4
		}
		handles = append(handles, net.Add(src))
		sizes = append(sizes, src.Outputs)
	}

	route, err := nn.NewRouteLayer(nn.RouteConfig{
		Batch:          opts.Batch,
		N:              len(handles),
		InputLayers:    handles,
		InputSizes:     sizes,
		LayerQuantFlag: opts.Quant || opts.Dequant,
		QuantStopFlag:  opts.Dequant,
	}, dev)
	if err != nil {
		return nil, nil, err
	}
	net.Add(&route.Layer)
	if err := route.Resize(net); err != nil {
		return nil, nil, err
	}
	net.Train = opts.Train
	net.Seen = opts.Step
	return net, route, nil
}

func runRoute(w io.Writer, opts runOptions) error {
	dev, err := gpu.Open(opts.Device)
	if err != nil {
		return err
	}
	if dev != nil {
		defer dev.Release()
	}

	net, route, err := buildNetwork(opts, dev)
	if err != nil {
		return err
	}
	defer net.Release()

	sources := net.Layers[:len(net.Layers)-1]
	if route.Mode == nn.ForwardModeQuantized {
		for _, src := range sources {
			quant.Calibrate(src.Output, src.Quant, envconfig.QuantPercentile)
			if err := src.QuantizeOutput(); err != nil {
				return err
			}
		}
	}

	start := time.Now()
	if err := route.Forward(net, net.Context()); err != nil {
		return err
	}
	for i := range route.Delta {
		route.Delta[i] = 1
	}
	for _, src := range sources {
		src.ZeroDelta()
	}
	if err := route.Backward(net); err != nil {
		return err
	}
	slog.Debug("host passes", "mode", route.Mode, "elapsed", time.Since(start))

	metrics := [][]string{
		{"mode", route.Mode.String()},
		{"outputs", strconv.Itoa(route.Outputs)},
		{"output min", fmt.Sprintf("%g", nn.Min(route.Output))},
		{"output max", fmt.Sprintf("%g", nn.Max(route.Output))},
		{"output mean", fmt.Sprintf("%g", nn.Mean(route.Output))},
	}
	for _, src := range sources {
		metrics = append(metrics, []string{
			fmt.Sprintf("grad mean layer %d", src.Index),
			fmt.Sprintf("%g", nn.Mean(src.Delta)),
		})
	}

	if dev != nil {
		diff, err := compareDevice(net, route, sources)
		if err != nil {
			return err
		}
		metrics = append(metrics, []string{"device max abs diff", fmt.Sprintf("%g", diff)})
		if route.Quant != nil && route.Quant.Scale > 0 {
			metrics = append(metrics, []string{"recalibrated scale", fmt.Sprintf("%g", route.Quant.Scale)})
		}
	}

	bp := nn.ExtractNetworkBlueprint(net, "routecat")
	table := newTable(w, "INDEX", "TYPE", "SHAPE", "OUTPUTS", "SOURCES", "QUANTIZED", "DEVICE")
	for _, l := range bp.Layers {
		table.Append([]string{
			strconv.Itoa(l.Index),
			l.Type,
			formatInts(l.OutputShape, "x"),
			strconv.Itoa(l.Outputs),
			formatInts(l.Sources, ","),
			strconv.FormatBool(l.Quantized),
			strconv.FormatBool(l.OnDevice),
		})
	}
	table.Render()
	fmt.Fprintln(w)

	table = newTable(w, "METRIC", "VALUE")
	table.AppendBulk(metrics)
	table.Render()
	return nil
}

// compareDevice reruns the float forward on the host and on the device
// mirrors and returns the largest element difference.
func compareDevice(net *nn.Network, route *nn.RouteLayer, sources []*nn.Layer) (float64, error) {
	if err := route.ForwardFloat(net); err != nil {
		return 0, err
	}
	host := slices.Clone(route.Output)

	for _, src := range sources {
		if err := src.PushDevice(); err != nil {
			return 0, err
		}
	}
	if err := route.ForwardDevice(net, net.Context()); err != nil {
		return 0, err
	}
	if err := route.PullDevice(); err != nil {
		return 0, err
	}
	diff := nn.MaxAbsDiff(host, route.Output)
	slog.Debug("device forward", "device", net.Device.Name(), "max_abs_diff", diff)
	return diff, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(false)
	return table
}

func formatInts(v []int, sep string) string {
	if len(v) == 0 {
		return "-"
	}
	s := make([]string, len(v))
	for i, x := range v {
		s[i] = strconv.Itoa(x)
	}
	return strings.Join(s, sep)
}
