package publish

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/autotune/internal/store"
)

func TestFromRecord(t *testing.T) {
	actual, score := 0.35, 0.76
	done := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	rec := &store.OptimizationRecord{
		ID: "r1", Type: "memoization", Subtype: "memoization", Target: "Foo",
		SourcePath: "/app/src/Foo.tsx", DiffRef: "sha256:a..b", Baseline: 200,
		ExpectedImprovement: 92, ActualImprovement: &actual, SuccessScore: &score,
		State: store.StateConfirmed, CompletedAt: &done,
	}
	cr, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, done, cr.ConfirmedAt)
	assert.Equal(t, 0.35, cr.ActualImprovement)

	data, err := Encode(cr)
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "autotune.confirmed", env["kind"])
	assert.Equal(t, float64(SchemaVersion), env["version"])
	assert.Equal(t, "Foo", env["record"].(map[string]any)["target"])

	rec.State = store.StateMonitoring
	_, err = FromRecord(rec)
	assert.Error(t, err)
}

func TestSlackNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := SlackNotifier{URL: srv.URL, Channel: "#perf"}.Notify(context.Background(), "cycle done")
	require.NoError(t, err)
	assert.Equal(t, "cycle done", got["text"])
	assert.Equal(t, "#perf", got["channel"])
}
