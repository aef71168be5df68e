package sink

import (
	"context"
	"log/slog"
)

type logSender struct {
	log *slog.Logger
}

// NewLogSender writes each occurrence to the structured log.
func NewLogSender(log *slog.Logger) Sender {
	if log == nil {
		log = slog.Default()
	}
	return &logSender{log: log}
}

func (s *logSender) Send(ctx context.Context, p EventPayload) error {
	s.log.InfoContext(ctx, "event",
		"watcher", p.WatcherID,
		"name", p.Event,
		"args", p.ArgString(),
		"contract", p.Contract,
		"block", p.Height,
		"tx", p.TxHash,
		"log_index", p.LogIndex,
	)
	return nil
}
