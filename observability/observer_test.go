package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/tailored-agentic-units/replica/observability"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		name  string
		level observability.Level
		want  string
	}{
		{name: "trace range", level: 1, want: "TRACE"},
		{name: "verbose maps to DEBUG", level: observability.LevelVerbose, want: "DEBUG"},
		{name: "info maps to INFO", level: observability.LevelInfo, want: "INFO"},
		{name: "warning maps to WARN", level: observability.LevelWarning, want: "WARN"},
		{name: "error maps to ERROR", level: observability.LevelError, want: "ERROR"},
		{name: "fatal range", level: 21, want: "FATAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		name  string
		level observability.Level
		want  slog.Level
	}{
		{name: "verbose maps to Debug", level: observability.LevelVerbose, want: slog.LevelDebug},
		{name: "info maps to Info", level: observability.LevelInfo, want: slog.LevelInfo},
		{name: "warning maps to Warn", level: observability.LevelWarning, want: slog.LevelWarn},
		{name: "error maps to Error", level: observability.LevelError, want: slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.SlogLevel(); got != tt.want {
				t.Errorf("Level(%d).SlogLevel() = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestEmit(t *testing.T) {
	rec := &observability.Recorder{}
	observability.Emit(context.Background(), rec, "store.activate", observability.LevelInfo, "store", map[string]any{"id": "notes"})

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Error("event timestamp not stamped")
	}
	if events[0].Source != "store" || events[0].Data["id"] != "notes" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestEmit_NilObserver(t *testing.T) {
	observability.Emit(context.Background(), nil, "store.activate", observability.LevelInfo, "store", nil)
}

func TestMultiObserver_NilFiltering(t *testing.T) {
	first, second := &observability.Recorder{}, &observability.Recorder{}
	multi := observability.NewMultiObserver(nil, first, nil, second)

	multi.OnEvent(context.Background(), observability.Event{
		Type:  "test.event",
		Level: observability.LevelInfo,
	})

	if first.Count("test.event") != 1 || second.Count("test.event") != 1 {
		t.Errorf("fan-out counts = %d, %d, want 1, 1", first.Count("test.event"), second.Count("test.event"))
	}
}

func TestMultiObserver_Flattens(t *testing.T) {
	first, second := &observability.Recorder{}, &observability.Recorder{}
	inner := observability.NewMultiObserver(first, observability.NoOpObserver{})
	multi := observability.NewMultiObserver(inner, second, &observability.NoOpObserver{})

	if multi.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", multi.Len())
	}
	multi.OnEvent(context.Background(), observability.Event{Type: "driver.send"})
	if first.Count("driver.send") != 1 || second.Count("driver.send") != 1 {
		t.Errorf("fan-out counts = %d, %d, want 1, 1", first.Count("driver.send"), second.Count("driver.send"))
	}
}

func TestRecorder_Concurrent(t *testing.T) {
	rec := &observability.Recorder{}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.OnEvent(context.Background(), observability.Event{Type: "a"})
		}()
	}
	wg.Wait()

	if got := rec.Count("a"); got != 16 {
		t.Errorf("Count(a) = %d, want 16", got)
	}
	rec.Reset()
	if got := len(rec.Events()); got != 0 {
		t.Errorf("after Reset, %d events remain", got)
	}
}

func TestSlogObserver_LevelMapping(t *testing.T) {
	tests := []struct {
		name      string
		level     observability.Level
		minLevel  slog.Level
		expectLog bool
	}{
		{name: "verbose at debug handler", level: observability.LevelVerbose, minLevel: slog.LevelDebug, expectLog: true},
		{name: "verbose at info handler", level: observability.LevelVerbose, minLevel: slog.LevelInfo, expectLog: false},
		{name: "info at warn handler", level: observability.LevelInfo, minLevel: slog.LevelWarn, expectLog: false},
		{name: "error at error handler", level: observability.LevelError, minLevel: slog.LevelError, expectLog: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.minLevel}))

			observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
				Type:   "test.event",
				Level:  tt.level,
				Source: "test",
			})

			if hasOutput := buf.Len() > 0; hasOutput != tt.expectLog {
				t.Errorf("log output = %v, want %v (buf: %q)", hasOutput, tt.expectLog, buf.String())
			}
		})
	}
}

func TestSlogObserver_SortedAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
		Type:   "store.message.accepted",
		Level:  observability.LevelInfo,
		Source: "store.DirectStore",
		Data: map[string]any{
			"version": 3,
			"key":     "volatile://arc/notes",
			"id":      7,
		},
	})

	output := buf.String()
	for _, want := range []string{"store.message.accepted", "source=store.DirectStore", "version=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}

	id := strings.Index(output, "id=7")
	key := strings.Index(output, "key=")
	version := strings.Index(output, "version=3")
	if !(id < key && key < version) {
		t.Errorf("attributes not in sorted order: %s", output)
	}
}

func TestRegistry(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "noop exists", key: "noop", wantErr: false},
		{name: "slog exists", key: "slog", wantErr: false},
		{name: "unknown fails", key: "nonexistent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := observability.GetObserver(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("GetObserver(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if !tt.wantErr && obs == nil {
				t.Errorf("GetObserver(%q) returned nil observer", tt.key)
			}
		})
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	rec := &observability.Recorder{}
	observability.RegisterObserver("test-recorder", rec)

	obs, err := observability.GetObserver("test-recorder")
	if err != nil {
		t.Fatalf("GetObserver failed: %v", err)
	}
	obs.OnEvent(context.Background(), observability.Event{Type: "test.event"})

	if rec.Count("test.event") != 1 {
		t.Errorf("registered observer did not receive the event")
	}
	if !slices.Contains(observability.ObserverNames(), "test-recorder") {
		t.Errorf("ObserverNames() = %v, missing test-recorder", observability.ObserverNames())
	}
}
