package pipeline

import "github.com/andresmejia3/puppysense/internal/types"

// Observer receives run signals. Callbacks run on the pipeline goroutine and
// must not block for long.
//
// OnComplete and OnError are mutually exclusive and neither fires for a
// cancelled run.
type Observer interface {
	OnState(types.PipelineState)
	OnProgress(int)
	OnComplete([]types.AcceptedFrame)
	OnError(error)
}

// NopObserver ignores every signal.
type NopObserver struct{}

func (NopObserver) OnState(types.PipelineState)      {}
func (NopObserver) OnProgress(int)                   {}
func (NopObserver) OnComplete([]types.AcceptedFrame) {}
func (NopObserver) OnError(error)                    {}

// ObserverFuncs adapts optional callbacks to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State    func(types.PipelineState)
	Progress func(int)
	Complete func([]types.AcceptedFrame)
	Error    func(error)
}

func (o ObserverFuncs) OnState(s types.PipelineState) {
	if o.State != nil {
		o.State(s)
	}
}

func (o ObserverFuncs) OnProgress(p int) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

func (o ObserverFuncs) OnComplete(frames []types.AcceptedFrame) {
	if o.Complete != nil {
		o.Complete(frames)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}
