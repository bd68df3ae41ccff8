package observe

import (
	"log/slog"

	"github.com/cwbudde/nodefinder/internal/store"
)

// TraceSink appends every finished minimization to a JSONL result trace.
type TraceSink struct {
	writer *store.TraceWriter
}

// NewTraceSink creates a sink writing to w. The caller closes w.
func NewTraceSink(w *store.TraceWriter) *TraceSink {
	return &TraceSink{writer: w}
}

// Emit implements Sink.
func (s *TraceSink) Emit(e Event) {
	switch e.Kind {
	case KindMinimizationFinished:
		err := s.writer.Write(store.TraceEntry{
			RunID:     e.RunID,
			Accepted:  e.Accepted,
			Pos:       e.Pos,
			Value:     store.Float(e.Value),
			Status:    e.Status,
			NumFev:    e.NumFev,
			NumIter:   e.NumIter,
			Timestamp: e.Time,
		})
		if err != nil {
			slog.Warn("Failed to write result trace", "path", s.writer.Path(), "error", err)
		}
	case KindCheckpointSaved, KindRunFinished, KindRunFailed:
		// keep the trace in step with the checkpoint
		if err := s.writer.Flush(); err != nil {
			slog.Warn("Failed to flush result trace", "path", s.writer.Path(), "error", err)
		}
	}
}
