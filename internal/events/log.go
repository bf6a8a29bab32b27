package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events as structured log lines. It is the sink used
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
	sink   string
}

func NewLogPublisher(logger *slog.Logger, sink string) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogPublisher{logger: logger, sink: sink}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "event",
		"sink", p.sink,
		"type", string(e.Type),
		"account_id", e.AccountID,
		"occurred_at", e.OccurredAt,
		"data", e.Data,
	)

	return nil
}
