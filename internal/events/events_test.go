package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)
	var a, b []Event
	subA := bus.Subscribe(func(e Event) { a = append(a, e) })
	bus.Subscribe(func(e Event) { b = append(b, e) })

	sink := bus.ForRequest("req-1")
	sink.Emit(StageToolCall, "Running bash", "ls")

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected both subscribers to see the event, got %d and %d", len(a), len(b))
	}
	if a[0].RequestID != "req-1" || a[0].Stage != StageToolCall || a[0].Detail != "ls" {
		t.Errorf("unexpected event %+v", a[0])
	}
	if a[0].Time.IsZero() {
		t.Error("time should be stamped")
	}

	subA.Unsubscribe()
	sink.Emit(StageDone, "done", "")
	if len(a) != 1 {
		t.Errorf("unsubscribed handler still received events")
	}
	if len(b) != 2 {
		t.Errorf("remaining subscriber got %d events", len(b))
	}
	if bus.Published() != 2 {
		t.Errorf("published = %d", bus.Published())
	}
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	got := 0
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { got++ })
	bus.Publish(Event{Stage: StageProgress, Message: "x"})
	if got != 1 {
		t.Errorf("healthy subscriber should still receive the event")
	}
}

func TestLogSinkAndMulti(t *testing.T) {
	var buf bytes.Buffer
	log := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	var calls int
	Multi{log, nil, Nop{}, Func(func(string, string, string) { calls++ })}.Emit(StageProgress, "halfway", "3/6 files")

	if calls != 1 {
		t.Errorf("func sink called %d times", calls)
	}
	out := buf.String()
	if !strings.Contains(out, "halfway") || !strings.Contains(out, "3/6 files") {
		t.Errorf("log output missing fields: %s", out)
	}
}
