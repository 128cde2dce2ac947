package pipeline

import (
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
)

// transitions lists the legal successors of each state. Sampling may follow
// itself when a frame is skipped before detection.
var transitions = map[types.StateKind][]types.StateKind{
	types.StateIdle:         {types.StateLoadingModel, types.StateCancelled},
	types.StateLoadingModel: {types.StateSampling, types.StateCompleted, types.StateFailed, types.StateCancelled},
	types.StateSampling:     {types.StateSampling, types.StateDetecting, types.StateCompleted, types.StateFailed, types.StateCancelled},
	types.StateDetecting:    {types.StateSampling, types.StateCompleted, types.StateFailed, types.StateCancelled},
}

func legal(from, to types.StateKind) bool {
	for _, k := range transitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// machine holds the single active state of one run and publishes every change.
type machine struct {
	state    types.PipelineState
	progress int
	obs      Observer
}

func newMachine(obs Observer) *machine {
	return &machine{state: types.PipelineState{Kind: types.StateIdle}, obs: obs}
}

func (m *machine) to(next types.PipelineState) error {
	from := m.state
	if from.Kind.Terminal() {
		return errors.AssertionFailedf("run already ended in %s, cannot move to %s", from, next)
	}
	if !legal(from.Kind, next.Kind) {
		return errors.AssertionFailedf("illegal pipeline transition %s -> %s", from, next)
	}
	if next.Kind == types.StateSampling && from.Kind == types.StateSampling && next.FrameIndex <= from.FrameIndex {
		return errors.AssertionFailedf("sampling went backwards: %s -> %s", from, next)
	}
	m.state = next
	m.obs.OnState(next)
	return nil
}

// report publishes progress. Values never decrease within a run except for the final reset.
func (m *machine) report(p int) {
	if p <= m.progress {
		return
	}
	m.progress = p
	m.obs.OnProgress(p)
}

func (m *machine) resetProgress() {
	m.progress = 0
	m.obs.OnProgress(0)
}
