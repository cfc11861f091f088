package reactive

import "time"

// ComputeEvent describes one recomputation of a computed value.
type ComputeEvent struct {
	Key      string
	Engine   string
	Expr     string
	Duration time.Duration
	Err      error
}

// ComputeObserver records compute events.
type ComputeObserver interface {
	ObserveCompute(ComputeEvent)
}

// ComputeObserverFunc adapts a function to ComputeObserver.
type ComputeObserverFunc func(ComputeEvent)

// ObserveCompute implements ComputeObserver.
func (f ComputeObserverFunc) ObserveCompute(event ComputeEvent) {
	if f != nil {
		f(event)
	}
}

type noopComputeObserver struct{}

func (noopComputeObserver) ObserveCompute(ComputeEvent) {}
