package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		tags Tags
		want string
	}{
		{"no tags", nil, "m"},
		{"empty tags", Tags{}, "m"},
		{"sorted tags", Tags{"stage": "b", "pipeline": "p"}, "m{pipeline=p,stage=b}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key("m", tt.tags); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	tags := Tags{"stage": "render"}

	r.Count(StageRetries, 2, tags)
	r.Count(StageRetries, 1, tags)
	r.Gauge(PipelineSuccess, 0.5, nil)
	r.Gauge(PipelineSuccess, 1, nil)
	r.Timing(StageDuration, time.Second, tags)
	r.Timing(StageDuration, 2*time.Second, tags)

	if got := r.Counter(StageRetries, tags); got != 3 {
		t.Errorf("Counter() = %d, want 3", got)
	}
	if got := r.Counter(StageRetries, nil); got != 0 {
		t.Errorf("untagged Counter() = %d, want 0", got)
	}
	if v, ok := r.GaugeValue(PipelineSuccess, nil); !ok || v != 1 {
		t.Errorf("GaugeValue() = %v, %v; want 1, true", v, ok)
	}
	if got := r.Timings(StageDuration, tags); len(got) != 2 || got[1] != 2*time.Second {
		t.Errorf("Timings() = %v", got)
	}
	if got := len(r.Series()); got != 3 {
		t.Errorf("Series() has %d entries, want 3", got)
	}
}

func TestBuffered_Flush(t *testing.T) {
	down := NewRecorder()
	b := NewBuffered(down, time.Hour)

	b.Count(EventsPublished, 1, nil)
	b.Count(EventsPublished, 4, nil)
	b.Gauge(QueueDepth, 3, nil)
	b.Timing(StageDuration, time.Millisecond, Tags{"stage": "a"})

	if down.Counter(EventsPublished, nil) != 0 {
		t.Fatal("downstream should not see observations before a flush")
	}

	if n := b.Flush(); n != 3 {
		t.Errorf("Flush() = %d series, want 3", n)
	}
	if got := down.Counter(EventsPublished, nil); got != 5 {
		t.Errorf("downstream counter = %d, want 5", got)
	}
	if v, _ := down.GaugeValue(QueueDepth, nil); v != 3 {
		t.Errorf("downstream gauge = %v, want 3", v)
	}

	if n := b.Flush(); n != 0 {
		t.Errorf("second Flush() = %d, want 0", n)
	}
}

func TestBuffered_StartStop(t *testing.T) {
	down := NewRecorder()
	b := NewBuffered(down, 5*time.Millisecond)
	b.Start(context.Background())
	b.Start(context.Background())

	b.Count(PipelineCompleted, 1, nil)

	deadline := time.Now().Add(2 * time.Second)
	for down.Counter(PipelineCompleted, nil) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if down.Counter(PipelineCompleted, nil) != 1 {
		t.Fatal("periodic flush did not forward the counter")
	}

	b.Count(PipelineFailed, 1, nil)
	b.Stop()
	if down.Counter(PipelineFailed, nil) != 1 {
		t.Error("Stop() should perform a final flush")
	}
	b.Stop()
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) should return Nop")
	}
	r := NewRecorder()
	if OrNop(r) != Sink(r) {
		t.Error("OrNop should return a non-nil sink unchanged")
	}
}

func TestInitPrometheus(t *testing.T) {
	prom, err := InitPrometheus(false)
	if err != nil {
		t.Fatalf("InitPrometheus failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = prom.Shutdown(ctx)
	}()

	sink := prom.Sink()
	var createErr error
	sink.OnError(func(err error) { createErr = err })

	sink.Count(StageRetries, 2, Tags{"stage": "render"})
	sink.Gauge(PipelineSuccess, 0.75, nil)
	sink.Timing(StageDuration, 150*time.Millisecond, Tags{"stage": "render"})
	if createErr != nil {
		t.Fatalf("instrument creation failed: %v", createErr)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	prom.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{"conductor_stage_retries", "conductor_pipeline_success_rate", "conductor_stage_duration"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}
