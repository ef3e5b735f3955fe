package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/envhelper/envhelper/common/trace"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := observability.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := observability.New(&buf, "info", "json")
	log.Debug("hidden")
	log.Info("shown", "environment_id", "e1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `"environment_id":"e1"`) {
		t.Errorf("output = %s", out)
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(observability.New(&buf, "info", "text"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	observability.WithTrace(trace.WithTraceID(context.Background(), "t_42")).Info("hello")
	if !strings.Contains(buf.String(), "trace_id=t_42") {
		t.Errorf("output = %s", buf.String())
	}
}

func TestMetrics(t *testing.T) {
	m := observability.NewMetrics()
	m.ObserveTransition("environment.start", "error", "PortConflict")
	m.ObserveTransition("environment.start", "error", "PortConflict")
	m.DriftTotal.Inc()

	held := 3.0
	m.GaugeFunc("ports_held", "Host ports held", func() float64 { return held })

	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("environment.start", "error", "PortConflict")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DriftTotal); got != 1 {
		t.Errorf("drift = %v, want 1", got)
	}
	n, err := testutil.GatherAndCount(m.Registry, "envhelper_ports_held")
	if err != nil || n != 1 {
		t.Errorf("ports_held series = %d, err %v", n, err)
	}
}
