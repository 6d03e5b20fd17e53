package autoscore

import (
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// ManualPlaceholder is the position recorded for a manually entered dart.
// It sits off the board and away from the miss sentinels.
var ManualPlaceholder = types.Point{X: -2, Y: -2}

// ManualAdjustmentSync keeps confirmed darts in step with corrections made in
// the scoring UI. It emits no events; the UI already owns those throws.
type ManualAdjustmentSync struct {
	store *session.Store
	th    Thresholds
	log   logger.Module
}

func NewManualAdjustmentSync(store *session.Store, th Thresholds) *ManualAdjustmentSync {
	return &ManualAdjustmentSync{store: store, th: th, log: logger.For("Manual")}
}

// Apply dispatches on the adjustment kind.
func (m *ManualAdjustmentSync) Apply(adj types.ManualAdjustment) {
	switch adj.Kind {
	case types.AdjustmentThrow:
		m.ApplyManualThrow(adj.Key)
	case types.AdjustmentRevert:
		m.ApplyManualRevert(adj.Key)
	default:
		m.log.Warn("%s ignoring adjustment %s", adj.Key, adj.Kind)
	}
}

// ApplyManualThrow takes one slot of the turn for a dart entered by hand.
func (m *ManualAdjustmentSync) ApplyManualThrow(key types.SessionKey) {
	m.store.Do(key, func(st *session.State) {
		d := &st.Detection
		if len(d.ConfirmedDarts) >= m.th.MaxDarts {
			m.log.Debug("%s manual throw ignored, turn already full", key)
			return
		}
		d.ConfirmedDarts = append(d.ConfirmedDarts, ManualPlaceholder)
		m.log.Info("%s manual throw, %d darts confirmed", key, len(d.ConfirmedDarts))
	})
}

// ApplyManualRevert frees the most recent slot of the turn. The board-cleared
// gate is left as is so the dart still on the board is not re-detected.
func (m *ManualAdjustmentSync) ApplyManualRevert(key types.SessionKey) {
	m.store.Do(key, func(st *session.State) {
		d := &st.Detection
		if n := len(d.ConfirmedDarts); n > 0 {
			d.ConfirmedDarts = d.ConfirmedDarts[:n-1]
		}
		m.log.Info("%s manual revert, %d darts confirmed", key, len(d.ConfirmedDarts))
	})
}
