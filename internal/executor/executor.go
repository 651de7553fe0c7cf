// Package executor adapts the build executor: REST commands for querying
// builders and submitting build sets, and a NATS subscription delivering
// builder lifecycle events to a Listener.
package executor

import (
	"context"
	"strconv"
)

// Property keys the orchestrator attaches to every submission. Events carry
// them back so the receiver can route callbacks to the right status row.
const (
	PropService     = "pullrequest_service"
	PropPullRequest = "pullrequest"
	PropHeadSHA     = "head_sha"
)

// Properties is the free-form property bag attached to requests and builds.
type Properties map[string]string

// Service returns the pullrequest_service property.
func (p Properties) Service() string { return p[PropService] }

// PullRequest returns the pullrequest property as an id, or -1.
func (p Properties) PullRequest() int64 {
	n, err := strconv.ParseInt(p[PropPullRequest], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// HeadSHA returns the head_sha property.
func (p Properties) HeadSHA() string { return p[PropHeadSHA] }

// Request is a pending build request on an executor builder.
type Request struct {
	BRID       int64      `json:"brid"`
	Builder    string     `json:"builder"`
	Properties Properties `json:"properties"`
}

// Build is a running or finished build.
type Build struct {
	Number     int64      `json:"number"`
	RequestID  int64      `json:"request_id"`
	Properties Properties `json:"properties"`
}

// BuilderState is the executor's view of one builder.
type BuilderState struct {
	Online          bool      `json:"online"`
	PendingRequests []Request `json:"pending_requests"`
}

// SourceStamp identifies one source tree revision of a submission.
type SourceStamp struct {
	Codebase   string `json:"codebase"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Revision   string `json:"revision"`
	Project    string `json:"project"`
}

// SubmitRequest is everything a build set submission carries.
type SubmitRequest struct {
	SourceStamps []SourceStamp `json:"sourcestamps"`
	Properties   Properties    `json:"properties"`
	Builder      string        `json:"builder"`
	Reason       string        `json:"reason"`
	ExternalID   string        `json:"external_id"`
}

// Submission is the executor's answer to a build set submission.
type Submission struct {
	BuildsetID int64 `json:"bsid"`
	BRID       int64 `json:"brid"`
}

// Client is the command side of the executor.
type Client interface {
	// GetBuilderState reports whether the builder is online and which
	// requests are pending on it.
	GetBuilderState(ctx context.Context, name string) (*BuilderState, error)
	// SubmitBuildSet creates a source stamp set and submits a build set on it.
	SubmitBuildSet(ctx context.Context, req SubmitRequest) (*Submission, error)
	// CancelRequest cancels a pending build request.
	CancelRequest(ctx context.Context, brid int64) error
	// StopBuild interrupts a running build.
	StopBuild(ctx context.Context, builder string, buildNumber int64, reason string) error
}

// Terminal build results as the executor reports them.
const (
	ResultSuccess   = 0
	ResultWarnings  = 1
	ResultFailure   = 2
	ResultSkipped   = 3
	ResultException = 4
	ResultRetry     = 5
)

// Listener receives builder lifecycle events. Implementations must route
// work into the store worker and never block the delivery goroutine for long.
type Listener interface {
	BuilderChangedState(builder, state string)
	RequestSubmitted(req Request)
	RequestCancelled(builder string, req Request)
	BuildStarted(builder string, build Build)
	BuildFinished(builder string, build Build, result int)
}
