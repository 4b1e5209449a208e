package notify

import (
	"context"

	"tiger-webhook/pkg/types"
)

// MultiSink fans a send out to every configured sink, succeeding if at
// least one does. Used when an operator configures both a webhook and a
// Telegram sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks, skipping any nil entries.
func NewMultiSink(sinks ...Sink) *MultiSink {
	nonNil := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			nonNil = append(nonNil, s)
		}
	}
	return &MultiSink{sinks: nonNil}
}

var _ Sink = (*MultiSink)(nil)

func (m *MultiSink) Send(ctx context.Context, channel string, n types.Notification) error {
	var lastErr error
	delivered := false
	for _, s := range m.sinks {
		if err := s.Send(ctx, channel, n); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if delivered || len(m.sinks) == 0 {
		return nil
	}
	return lastErr
}
