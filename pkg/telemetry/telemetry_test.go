package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAutoFlushesAtBufferSize(t *testing.T) {
	api := apiclient.NewFakeAPI("telemetry-test")
	e := New(api, "test-service", time.Hour, WithBufferSize(3))
	defer e.Close()

	e.Emit("job_submission", map[string]any{"job": "a"})
	e.Emit("job_submission", map[string]any{"job": "b"})
	assert.Empty(t, api.Telemetry())

	e.Emit("job_submission", map[string]any{"job": "c"})
	assert.Len(t, api.Telemetry(), 3)
}

func TestCloseFlushesRemainingBuffer(t *testing.T) {
	api := apiclient.NewFakeAPI("telemetry-test")
	e := New(api, "test-service", time.Hour, WithBufferSize(50))

	e.Emit("job_skip", map[string]any{"error_type": "no_online_devices"})
	e.Close()

	events := api.Telemetry()
	require.Len(t, events, 1)
	assert.Equal(t, "job_skip", events[0].Kind)
	assert.NotEmpty(t, events[0].Timestamp)
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	api := apiclient.NewFakeAPI("telemetry-test")
	e := New(api, "test-service", time.Hour, WithBufferSize(50))
	e.Close()

	e.Emit("job_result", map[string]any{"node_id": "abc"})
	assert.Empty(t, api.Telemetry())
}

// erroringAPI wraps FakeAPI and always fails AddTelemetry, to exercise
// the JSONL fallback path.
type erroringAPI struct {
	*apiclient.FakeAPI
}

func (erroringAPI) AddTelemetry(_ context.Context, _ []types.TelemetryEvent) error {
	return errors.New("simulated flush failure")
}

func TestFlushFailureWritesFallbackFile(t *testing.T) {
	api := erroringAPI{FakeAPI: apiclient.NewFakeAPI("telemetry-test")}
	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	e := New(api, "test-service", time.Hour, WithBufferSize(1), WithFallbackPath(fallback))

	e.Emit("runtime_error", map[string]any{"error_msg": "boom"})
	e.Close()

	data, err := os.ReadFile(fallback)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &line))
	assert.Equal(t, "runtime_error", line["kind"])
}
