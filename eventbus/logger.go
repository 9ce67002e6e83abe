package eventbus

import (
	"io"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerSink selects EventLogger's destination, per spec.md §4.8.
type LoggerSink int

const (
	SinkConsole LoggerSink = iota
	SinkFile
	SinkCallback
)

// LoggerOptions configures EventLogger.
type LoggerOptions struct {
	Sink LoggerSink

	// FilePath and RotateBytes apply when Sink == SinkFile. RotateBytes is
	// converted to megabytes for lumberjack's MaxSize, rounding up so a
	// small non-zero threshold still rotates rather than never firing.
	FilePath    string
	RotateBytes int64

	// Callback applies when Sink == SinkCallback: invoked once per event
	// with the structured fields EventLogger would otherwise log.
	Callback func(fields logrus.Fields)

	Level logrus.Level
}

// EventLogger builds the Subscriber of spec.md §4.8: emit one structured
// log record per NodeEvent.
func EventLogger(opts LoggerOptions) (Subscriber, error) {
	level := opts.Level
	if level == 0 {
		level = logrus.InfoLevel
	}

	var out io.Writer
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	switch opts.Sink {
	case SinkFile:
		maxMB := int((opts.RotateBytes + (1 << 20) - 1) / (1 << 20))
		if maxMB < 1 {
			maxMB = 1
		}
		out = &lumberjack.Logger{
			Filename: opts.FilePath,
			MaxSize:  maxMB,
			Compress: true,
		}
		logger.SetOutput(out)
	case SinkCallback:
		logger.SetOutput(io.Discard)
	default:
		// Console is logrus's stderr default; nothing to configure.
	}

	return func(ev NodeEvent) {
		fields := logrus.Fields{
			"kind":      string(ev.Kind),
			"at":        ev.At,
			"agent_did": string(ev.AgentDID),
		}
		if ev.Message != nil {
			fields["message_id"] = ev.Message.ID
			fields["message_type"] = ev.Message.Type
			fields["from"] = string(ev.Message.From)
		}
		if ev.CounterpartyDID != "" {
			fields["counterparty_did"] = string(ev.CounterpartyDID)
		}
		if ev.StateChange != nil {
			fields["thread_id"] = ev.StateChange.ThreadID
			fields["old_state"] = string(ev.StateChange.OldState)
			fields["new_state"] = string(ev.StateChange.NewState)
		}
		if ev.ThreadID != "" {
			fields["thread_id"] = ev.ThreadID
		}

		if opts.Sink == SinkCallback && opts.Callback != nil {
			opts.Callback(fields)
			return
		}
		logger.WithFields(fields).Info("node event")
	}, nil
}
