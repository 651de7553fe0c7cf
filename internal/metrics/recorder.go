// Package metrics provides observability hooks for the orchestrator.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics can be enabled by swapping in the Prometheus
// implementation without touching call sites.
package metrics

// Recorder defines the metrics operations the orchestrator emits. All methods
// are safe on the NoopRecorder zero value.
type Recorder interface {
	// IncPoll counts one watch-loop iteration with its outcome ("ok"/"error").
	IncPoll(outcome string)
	// IncSchedule counts one scheduling attempt per builder with its outcome
	// ("submitted", "offline", "pending", "empty", "rejected", "failed").
	IncSchedule(builder, outcome string)
	// IncCallback counts one executor callback by kind.
	IncCallback(kind string)
	// IncAPIRequest counts one JSON API request by endpoint and status code.
	IncAPIRequest(endpoint string, code int)
	// SetActivePullRequests records the number of open tracked PRs.
	SetActivePullRequests(n int)
	// SetQueuedStatuses records the number of INQUEUE active statuses.
	SetQueuedStatuses(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) IncPoll(string)             {}
func (NoopRecorder) IncSchedule(string, string) {}
func (NoopRecorder) IncCallback(string)         {}
func (NoopRecorder) IncAPIRequest(string, int)  {}
func (NoopRecorder) SetActivePullRequests(int)  {}
func (NoopRecorder) SetQueuedStatuses(int)      {}
