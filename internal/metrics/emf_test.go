package metrics

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func TestStage_Dimension(t *testing.T) {
	r := Stage("staging")
	if r.namespace != Namespace {
		t.Errorf("expected namespace %s, got %s", Namespace, r.namespace)
	}
	if r.dimensions["Stage"] != "staging" {
		t.Errorf("expected Stage dimension staging, got %s", r.dimensions["Stage"])
	}
}

func TestRecorder_FlushOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(io.Discard) })

	rec := Stage("reconstruct")
	rec.Duration("DurationMs", 1234*time.Millisecond)
	rec.Metric("Views", 6, UnitCount)
	rec.Property("runId", "run-abc")
	rec.Flush()

	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("expected a single line, got %q", buf.String())
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, buf.String())
	}

	awsMap, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsMap["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}
	cwArr, ok := awsMap["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}
	metrics := cw["Metrics"].([]interface{})
	if first := metrics[0].(map[string]interface{}); first["Name"] != "DurationMs" || first["Unit"] != UnitMilliseconds {
		t.Errorf("metric definitions not sorted by name: %v", metrics)
	}

	if doc["Stage"] != "reconstruct" {
		t.Errorf("expected Stage=reconstruct, got %v", doc["Stage"])
	}
	if doc["DurationMs"] != float64(1234) {
		t.Errorf("expected DurationMs=1234, got %v", doc["DurationMs"])
	}
	if doc["Views"] != float64(6) {
		t.Errorf("expected Views=6, got %v", doc["Views"])
	}
	if doc["runId"] != "run-abc" {
		t.Errorf("expected runId=run-abc, got %v", doc["runId"])
	}
}

func TestRecorder_DiscardedByDefault(t *testing.T) {
	SetOutput(nil)
	// Must not panic with the default discard output.
	Stage("bundle").Count("Written").Flush()
}

func TestRecorder_FlushEmpty(t *testing.T) {
	var buf bytes.Buffer
	New("Test").FlushTo(&buf)
	if buf.Len() != 0 {
		t.Errorf("expected no output for empty recorder, got: %s", buf.String())
	}
}

func TestRecorder_Count(t *testing.T) {
	rec := New("Test")
	rec.Count("Errors")

	if v, ok := rec.values["Errors"]; !ok || v != float64(1) {
		t.Errorf("expected Errors=1, got %v", v)
	}
	if m, ok := rec.metrics["Errors"]; !ok || m.Unit != UnitCount {
		t.Errorf("expected unit Count, got %v", m.Unit)
	}
}

func TestRecorder_Chaining(t *testing.T) {
	rec := New("Test").
		Dimension("Op", "test").
		Metric("Duration", 100, UnitMilliseconds).
		Count("Calls").
		Property("id", "xyz")

	if rec.dimensions["Op"] != "test" {
		t.Error("chaining Dimension failed")
	}
	if rec.values["Duration"] != float64(100) {
		t.Error("chaining Metric failed")
	}
	if rec.values["Calls"] != float64(1) {
		t.Error("chaining Count failed")
	}
	if rec.properties["id"] != "xyz" {
		t.Error("chaining Property failed")
	}
}
