package observe

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/nodefinder/internal/store"
)

func finished(accepted bool, fev int) Event {
	return Event{
		Kind:     KindMinimizationFinished,
		RunID:    "run-1",
		Time:     time.Now(),
		Pos:      []float64{0.3},
		Value:    1e-7,
		Status:   "success",
		Accepted: accepted,
		NumFev:   fev,
		Duration: 20 * time.Millisecond,
		Progress: Progress{Nodes: 1, SimplicesQueued: 4, PositionsQueued: 1},
	}
}

func TestMulti_ForwardsInOrder(t *testing.T) {
	var order []string
	a := SinkFunc(func(Event) { order = append(order, "a") })
	b := SinkFunc(func(Event) { order = append(order, "b") })

	Multi(a, nil, b).Emit(Event{Kind: KindRunStarted})
	assert.Equal(t, []string{"a", "b"}, order)

	// must not panic
	Nop.Emit(Event{})
	Multi().Emit(Event{})
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Emit(Event{Kind: KindRunStarted})
	r.Emit(finished(true, 10))
	r.Emit(finished(false, 10))

	assert.Len(t, r.Events(), 3)
	assert.Equal(t, 2, r.Count(KindMinimizationFinished))
	assert.Equal(t, 0, r.Count(KindRunFailed))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := NewLogSink(logger)

	sink.Emit(finished(false, 5)) // debug, filtered
	sink.Emit(finished(true, 5))
	sink.Emit(Event{Kind: KindRunFailed, RunID: "run-1", Err: errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "Minimization finished", rec["msg"])
	assert.Equal(t, true, rec["accepted"])
	assert.Equal(t, "run-1", rec["runID"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "boom", rec["error"])
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	require.NoError(t, err)

	sink.Emit(finished(true, 10))
	sink.Emit(finished(false, 15))
	sink.Emit(finished(false, 5))
	sink.Emit(Event{Kind: KindSimplexSkipped})
	sink.Emit(Event{Kind: KindCheckpointSaved, Progress: Progress{Nodes: 2, SimplicesQueued: 7}})

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.minimizations.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.minimizations.WithLabelValues("rejected")))
	assert.Equal(t, 30.0, testutil.ToFloat64(sink.evaluations))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.skipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.checkpoints.WithLabelValues("ok")))
	assert.Equal(t, 7.0, testutil.ToFloat64(sink.queue.WithLabelValues("simplices")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.nodes))

	// second registration of the same metrics fails
	_, err = NewMetricsSink(reg)
	assert.Error(t, err)
}

func TestTraceSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.trace.jsonl")
	w, err := store.NewTraceWriter(path, false)
	require.NoError(t, err)

	sink := NewTraceSink(w)
	sink.Emit(Event{Kind: KindRunStarted})
	sink.Emit(finished(true, 10))
	sink.Emit(finished(false, 20))
	sink.Emit(Event{Kind: KindRunFinished})
	require.NoError(t, w.Close())

	r, err := store.NewTraceReader(path)
	require.NoError(t, err)
	defer r.Close()

	entries, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Seq)
	assert.True(t, entries[0].Accepted)
	assert.Equal(t, 2, entries[1].Seq)
	assert.Equal(t, 20, entries[1].NumFev)
	assert.Equal(t, "run-1", entries[1].RunID)
}
