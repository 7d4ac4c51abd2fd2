package orchestrator

import "time"

// RunEvent announces a run lifecycle transition to stream subscribers.
type RunEvent struct {
	Stack  string    `json:"stack"`
	RunID  string    `json:"run_id"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// EventPublisher fans run events out to connected watchers. Publishing
// never blocks run processing.
type EventPublisher interface {
	PublishRun(event RunEvent)
}

func (s Service) publish(event RunEvent) {
	if s.events != nil {
		s.events.PublishRun(event)
	}
}
