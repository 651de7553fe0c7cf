package executor

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/prbuild/internal/config"
)

// Event subject suffixes under the configured prefix.
const (
	subjectBuilderState     = "builder_state"
	subjectRequestSubmitted = "request_submitted"
	subjectRequestCancelled = "request_cancelled"
	subjectBuildStarted     = "build_started"
	subjectBuildFinished    = "build_finished"
)

// event is the JSON envelope of every executor message.
type event struct {
	Builder string   `json:"builder"`
	State   string   `json:"state,omitempty"`
	Request *Request `json:"request,omitempty"`
	Build   *Build   `json:"build,omitempty"`
	Result  *int     `json:"result,omitempty"`
}

// Subscriber delivers executor lifecycle events from NATS to a Listener.
type Subscriber struct {
	cfg      *config.ExecutorConfig
	listener Listener
	conn     *nats.Conn
	sub      *nats.Subscription
	prefix   string
}

// NewSubscriber creates a subscriber for cfg.NATSURL. Call Start to connect.
func NewSubscriber(cfg *config.ExecutorConfig, l Listener) *Subscriber {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "build.ev"
	}
	return &Subscriber{cfg: cfg, listener: l, prefix: prefix}
}

// Start connects to NATS and subscribes to <prefix>.> .
func (s *Subscriber) Start() error {
	conn, err := nats.Connect(s.cfg.NATSURL,
		nats.Name("prbuild"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("executor event stream disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("executor event stream reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(s.prefix+".>", func(msg *nats.Msg) {
		s.Dispatch(msg.Subject, msg.Data)
	})
	if err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	s.sub = sub
	slog.Info("subscribed to executor events", slog.String("subject", s.prefix+".>"))
	return nil
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Dispatch decodes one message and invokes the matching listener callback.
// Exported so tests can synthesize events without a broker.
func (s *Subscriber) Dispatch(subject string, data []byte) {
	kind := strings.TrimPrefix(subject, s.prefix+".")
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("dropping malformed executor event",
			slog.String("subject", subject), slog.Any("error", err))
		return
	}

	switch kind {
	case subjectBuilderState:
		s.listener.BuilderChangedState(ev.Builder, ev.State)
	case subjectRequestSubmitted:
		if ev.Request == nil {
			slog.Warn("request_submitted event without request", slog.String("builder", ev.Builder))
			return
		}
		s.listener.RequestSubmitted(*ev.Request)
	case subjectRequestCancelled:
		if ev.Request == nil {
			slog.Warn("request_cancelled event without request", slog.String("builder", ev.Builder))
			return
		}
		s.listener.RequestCancelled(ev.Builder, *ev.Request)
	case subjectBuildStarted:
		if ev.Build == nil {
			slog.Warn("build_started event without build", slog.String("builder", ev.Builder))
			return
		}
		s.listener.BuildStarted(ev.Builder, *ev.Build)
	case subjectBuildFinished:
		if ev.Build == nil || ev.Result == nil {
			slog.Warn("build_finished event without build or result", slog.String("builder", ev.Builder))
			return
		}
		s.listener.BuildFinished(ev.Builder, *ev.Build, *ev.Result)
	default:
		slog.Debug("ignoring executor event", slog.String("subject", subject))
	}
}
