package pipeline

import (
	"time"

	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// FrameHandler consumes decoded frames. *autoscore.Engine implements it.
type FrameHandler interface {
	HandleFrame(types.Frame) bool
}

// RawRecorder receives every raw message before it is decoded.
type RawRecorder interface {
	Record(raw []byte, at time.Time)
}

// Ingestor is shared by the websocket client and the HTTP ingest endpoint.
type Ingestor struct {
	handler  FrameHandler
	recorder RawRecorder
	metrics  *metrics.Metrics
	now      func() time.Time
	log      logger.Module
}

// NewIngestor creates an ingestor. recorder and m may be nil.
func NewIngestor(handler FrameHandler, recorder RawRecorder, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		handler:  handler,
		recorder: recorder,
		metrics:  m,
		now:      time.Now,
		log:      logger.For("Pipeline"),
	}
}

// Ingest records, decodes and applies one raw pipeline message. The bool
// reports whether the frame's session is calibrated after it.
func (i *Ingestor) Ingest(raw []byte) (types.Frame, bool, error) {
	at := i.now()
	if i.metrics != nil {
		i.metrics.PipelineMessages.Add(1)
	}
	if i.recorder != nil {
		i.recorder.Record(raw, at)
	}

	frame, err := Decode(raw, at)
	if err != nil {
		if i.metrics != nil {
			i.metrics.DecodeErrors.Add(1)
		}
		i.log.Warn("Dropping pipeline message: %v", err)
		return types.Frame{}, false, err
	}
	calibrated := i.handler.HandleFrame(frame)
	return frame, calibrated, nil
}
