package nn

// ModelTelemetry represents a single network's structure
type ModelTelemetry struct {
	ID          string           `json:"id"`
	Batch       int              `json:"batch"`
	Device      string           `json:"device,omitempty"`
	TotalLayers int              `json:"total_layers"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Outputs int    `json:"outputs"`

	// Spatial shape [w, h, c]; omitted when undefined
	OutputShape []int `json:"output_shape,omitempty"`

	// For routes: the layers concatenated, in order
	Sources     []int  `json:"sources,omitempty"`
	CombineMode string `json:"combine_mode,omitempty"`

	Quantized bool `json:"quantized"`
	OnDevice  bool `json:"on_device"`
}

// ExtractNetworkBlueprint extracts telemetry data from a network.
func ExtractNetworkBlueprint(n *Network, modelID string) ModelTelemetry {
	telemetry := ModelTelemetry{
		ID:          modelID,
		Batch:       n.Batch,
		TotalLayers: len(n.Layers),
		Layers:      make([]LayerTelemetry, 0, len(n.Layers)),
	}
	if n.Device != nil {
		telemetry.Device = n.Device.Name()
	}

	for i, l := range n.Layers {
		if l == nil {
			continue
		}
		layerTel := extractLayerTelemetry(l)
		layerTel.Index = i
		telemetry.Layers = append(telemetry.Layers, layerTel)
	}
	return telemetry
}

func extractLayerTelemetry(l *Layer) LayerTelemetry {
	tel := LayerTelemetry{
		Type:      l.Type.String(),
		Outputs:   l.Outputs,
		Quantized: l.Quant != nil && l.OutputUint8 != nil,
		OnDevice:  l.OutputDevice != nil,
	}
	if l.OutW > 0 && l.OutH > 0 && l.OutC > 0 {
		tel.OutputShape = []int{l.OutW, l.OutH, l.OutC}
	}
	if l.Type == LayerRoute {
		tel.Sources = append([]int(nil), l.Sources...)
		tel.CombineMode = "concat"
	}
	return tel
}
