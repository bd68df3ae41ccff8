package observe

import (
	"context"
	"log/slog"
)

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging to logger, or to slog.Default() if nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	level := slog.LevelDebug
	attrs := []slog.Attr{slog.String("runID", e.RunID)}

	switch e.Kind {
	case KindRunStarted, KindRunFinished:
		level = slog.LevelInfo
		attrs = append(attrs, progressAttrs(e.Progress)...)
	case KindRunFailed:
		level = slog.LevelError
		attrs = append(attrs, slog.Any("error", e.Err))
		attrs = append(attrs, progressAttrs(e.Progress)...)
	case KindMinimizationFinished:
		if e.Accepted {
			level = slog.LevelInfo
		}
		attrs = append(attrs,
			slog.Any("pos", e.Pos),
			slog.Float64("value", e.Value),
			slog.String("status", e.Status),
			slog.Bool("accepted", e.Accepted),
			slog.Int("numFev", e.NumFev),
			slog.Duration("duration", e.Duration),
		)
	case KindMinimizationStarted, KindSimplexSkipped, KindRefinementQueued:
		attrs = append(attrs, slog.Any("pos", e.Pos))
	case KindCheckpointSaved:
		attrs = append(attrs, slog.String("path", e.Path), slog.Int("nodes", e.Progress.Nodes))
	case KindCheckpointFailed:
		level = slog.LevelError
		attrs = append(attrs, slog.String("path", e.Path), slog.Any("error", e.Err))
	}

	s.logger.LogAttrs(context.Background(), level, message(e.Kind), attrs...)
}

func progressAttrs(p Progress) []slog.Attr {
	return []slog.Attr{
		slog.Int("nodes", p.Nodes),
		slog.Int("rejected", p.Rejected),
		slog.Int("simplicesQueued", p.SimplicesQueued),
		slog.Int("positionsQueued", p.PositionsQueued),
		slog.Int("evaluations", p.Evaluations),
	}
}

func message(k Kind) string {
	switch k {
	case KindRunStarted:
		return "Search started"
	case KindMinimizationStarted:
		return "Minimization started"
	case KindMinimizationFinished:
		return "Minimization finished"
	case KindSimplexSkipped:
		return "Simplex skipped"
	case KindRefinementQueued:
		return "Refinement queued"
	case KindCheckpointSaved:
		return "Checkpoint saved"
	case KindCheckpointFailed:
		return "Checkpoint failed"
	case KindRunFinished:
		return "Search finished"
	case KindRunFailed:
		return "Search failed"
	}
	return string(k)
}
