package executor

import "time"

// Recorder receives execution metrics.
type Recorder interface {
	// ObserveFetch records one container fetch.
	ObserveFetch(namespace string, keys int, duration time.Duration, err error)

	// ObserveMappingError records a collected or escalated mapping error.
	ObserveMappingError(typeName string, kind string)

	// ObserveExecution records a top-level execution.
	ObserveExecution(typeName string, targets int, duration time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetch(string, int, time.Duration, error) {}
func (nopRecorder) ObserveMappingError(string, string) {}
func (nopRecorder) ObserveExecution(string, int, time.Duration, error) {}
