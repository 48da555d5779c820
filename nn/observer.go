package nn

import (
	"log/slog"
)

// LayerObserver receives a summary every time an observed layer runs on the host.
type LayerObserver interface {
	OnForward(event LayerEvent)
	OnBackward(event LayerEvent)
}

// LayerStats summarises an activation or gradient buffer.
type LayerStats struct {
	AvgActivation float32 `json:"avg"`
	MaxActivation float32 `json:"max"`
	MinActivation float32 `json:"min"`
	ActiveNeurons int     `json:"active"`
	TotalNeurons  int     `json:"total"`
	LayerType     string  `json:"layer_type"`
}

// LayerEvent is what an observer receives.
type LayerEvent struct {
	Type      string     `json:"type"` // "forward" or "backward"
	LayerIdx  int        `json:"layer_idx"`
	LayerType LayerType  `json:"-"`
	Stats     LayerStats `json:"stats"`
	Output    []float32  `json:"-"`
	StepCount uint64     `json:"step"`
}

// computeLayerStats calculates summary statistics for an activation slice
func computeLayerStats(data []float32, layerType string, threshold float32) LayerStats {
	if len(data) == 0 {
		return LayerStats{LayerType: layerType}
	}

	activeCount := 0
	for _, v := range data {
		if v > threshold {
			activeCount++
		}
	}

	return LayerStats{
		AvgActivation: Mean(data),
		MaxActivation: Max(data),
		MinActivation: Min(data),
		ActiveNeurons: activeCount,
		TotalNeurons:  len(data),
		LayerType:     layerType,
	}
}

// notifyObserver sends an event to the layer's observer if one exists
func notifyObserver(l *Layer, eventType string, data []float32, stepCount uint64) {
	if l.Observer == nil {
		return
	}

	event := LayerEvent{
		Type:      eventType,
		LayerIdx:  l.Index,
		LayerType: l.Type,
		Stats:     computeLayerStats(data, l.Type.String(), 0.0),
		Output:    data,
		StepCount: stepCount,
	}

	if eventType == "forward" {
		l.Observer.OnForward(event)
	} else {
		l.Observer.OnBackward(event)
	}
}

// ConsoleObserver logs layer events through slog
type ConsoleObserver struct {
	Logger *slog.Logger // slog.Default() when nil
}

func (o *ConsoleObserver) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *ConsoleObserver) OnForward(event LayerEvent) {
	o.logger().Info("forward", "layer", event.LayerIdx, "type", event.Stats.LayerType,
		"avg", event.Stats.AvgActivation, "max", event.Stats.MaxActivation,
		"active", event.Stats.ActiveNeurons, "total", event.Stats.TotalNeurons, "step", event.StepCount)
}

func (o *ConsoleObserver) OnBackward(event LayerEvent) {
	o.logger().Info("backward", "layer", event.LayerIdx, "type", event.Stats.LayerType,
		"grad_avg", event.Stats.AvgActivation, "grad_max", event.Stats.MaxActivation)
}

// ChannelObserver sends events to a Go channel (for internal processing)
type ChannelObserver struct {
	Events chan LayerEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{
		Events: make(chan LayerEvent, bufferSize),
	}
}

func (o *ChannelObserver) OnForward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
		// Channel full, drop event to avoid blocking
	}
}

func (o *ChannelObserver) OnBackward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
		// Channel full, drop event to avoid blocking
	}
}
