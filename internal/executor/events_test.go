package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/prbuild/internal/config"
)

type recordingListener struct {
	stateChanges []string
	submitted    []Request
	cancelled    []Request
	started      []Build
	finished     []Build
	results      []int
}

func (r *recordingListener) BuilderChangedState(builder, state string) {
	r.stateChanges = append(r.stateChanges, builder+":"+state)
}
func (r *recordingListener) RequestSubmitted(req Request) { r.submitted = append(r.submitted, req) }
func (r *recordingListener) RequestCancelled(builder string, req Request) {
	r.cancelled = append(r.cancelled, req)
}
func (r *recordingListener) BuildStarted(builder string, build Build) {
	r.started = append(r.started, build)
}
func (r *recordingListener) BuildFinished(builder string, build Build, result int) {
	r.finished = append(r.finished, build)
	r.results = append(r.results, result)
}

func newTestSubscriber(l Listener) *Subscriber {
	return NewSubscriber(&config.ExecutorConfig{SubjectPrefix: "build.ev"}, l)
}

func TestDispatchBuilderState(t *testing.T) {
	l := &recordingListener{}
	s := newTestSubscriber(l)

	s.Dispatch("build.ev.builder_state", []byte(`{"builder": "linux-x64", "state": "idle"}`))
	assert.Equal(t, []string{"linux-x64:idle"}, l.stateChanges)
}

func TestDispatchRequestEvents(t *testing.T) {
	l := &recordingListener{}
	s := newTestSubscriber(l)

	s.Dispatch("build.ev.request_submitted",
		[]byte(`{"builder": "linux-x64", "request": {"brid": 77, "builder": "linux-x64", "properties": {"pullrequest": "10"}}}`))
	require.Len(t, l.submitted, 1)
	assert.Equal(t, int64(77), l.submitted[0].BRID)

	s.Dispatch("build.ev.request_cancelled",
		[]byte(`{"builder": "linux-x64", "request": {"brid": 77}}`))
	require.Len(t, l.cancelled, 1)
}

func TestDispatchBuildEvents(t *testing.T) {
	l := &recordingListener{}
	s := newTestSubscriber(l)

	s.Dispatch("build.ev.build_started",
		[]byte(`{"builder": "linux-x64", "build": {"number": 4, "request_id": 77, "properties": {"head_sha": "aaa"}}}`))
	require.Len(t, l.started, 1)
	assert.Equal(t, int64(4), l.started[0].Number)

	s.Dispatch("build.ev.build_finished",
		[]byte(`{"builder": "linux-x64", "build": {"number": 4, "request_id": 77}, "result": 2}`))
	require.Len(t, l.finished, 1)
	assert.Equal(t, []int{ResultFailure}, l.results)
}

func TestDispatchIgnoresMalformedAndUnknown(t *testing.T) {
	l := &recordingListener{}
	s := newTestSubscriber(l)

	s.Dispatch("build.ev.build_finished", []byte(`{not json`))
	s.Dispatch("build.ev.build_finished", []byte(`{"builder": "b"}`))
	s.Dispatch("build.ev.something_else", []byte(`{}`))
	s.Dispatch("build.ev.request_submitted", []byte(`{"builder": "b"}`))

	assert.Empty(t, l.finished)
	assert.Empty(t, l.submitted)
	assert.Empty(t, l.stateChanges)
}
