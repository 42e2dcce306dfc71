package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/vigil/internal/grave"
	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/passes"
	"github.com/jward/vigil/internal/progress"
)

var (
	_ highlight.Counters = (*Metrics)(nil)
	_ grave.Observer     = (*Metrics)(nil)
	_ passes.Hooks       = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.Applied("todo")
	m.Applied("todo")
	m.Retired("todo", 3)
	m.Dropped("spell")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.applied.WithLabelValues("todo")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retired.WithLabelValues("todo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("spell")))
}

func TestRunsAndStages(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.RunFinished(progress.ReasonNone, 10*time.Millisecond)
	m.RunFinished(progress.ReasonDocumentChanged, time.Millisecond)
	m.StageFinished(nil, "general", time.Millisecond, nil)
	m.StageFinished(nil, "general", time.Millisecond, &progress.CanceledError{Reason: progress.ReasonRestart})
	m.StageFinished(nil, "general", time.Millisecond, errors.New("boom"))
	m.CollaboratorFault(nil, &passes.FaultError{Stage: "general", Source: "todo"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("canceled", "document changed")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.stageDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("general", "todo")))
}

func TestNew_SharedRegistry(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Applied("a")
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Panics(t, func() { New(reg) }, "collectors register once per registry")
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.Buried(4, 512)
	m.Exhumed(4)
	m.Rejected(grave.RejectCorrupt)
	m.SetOpenDocuments(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vigil_grave_operations_total{op="reject",reason="corrupt"} 1`)
	assert.Contains(t, string(body), "vigil_open_documents 2")
}
