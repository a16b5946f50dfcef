package notify

import (
	"context"
	"log/slog"
)

// LogSink writes notifications to the structured log
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, recipients []string, configName, targetLabel string, groupCount int) error {
	msg := Message{ConfigName: configName, TargetLabel: targetLabel, GroupCount: groupCount}
	for _, r := range recipients {
		s.logger.InfoContext(ctx, msg.Body(),
			"recipient", r, "config", configName, "target", targetLabel, "groups", groupCount)
	}
	return nil
}
