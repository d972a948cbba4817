package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	cerrors "github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/pipeline"
)

func sampleState(t *testing.T) *pipeline.PipelineState {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pctx := pipeline.NewPipelineContext("p-1", "proj", "test",
		pipeline.Limits{MaxExecutionTime: time.Minute}, map[string]any{"owner": "ops"}, now)
	st := pipeline.NewPipelineState(pctx, map[string]any{"prompt": "build a todo app"}, now)
	st.Status = pipeline.StatusRunning
	st.Apply(pipeline.StageResult{
		Stage:         "analyze",
		Success:       true,
		Output:        map[string]any{"intent": "todo"},
		ExecutionTime: 150 * time.Millisecond,
		RetryCount:    1,
		CompletedAt:   now.Add(time.Second),
	}, now.Add(time.Second))
	return st
}

func sampleCheckpoint() pipeline.Checkpoint {
	created := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	expires := created.Add(time.Hour)
	return pipeline.Checkpoint{
		ID:         "c-1",
		PipelineID: "p-1",
		CreatedAt:  created,
		Stage:      "analyze",
		CanResume:  true,
		ExpiresAt:  &expires,
	}
}

func TestEncodeDecode_JSONRoundTrip(t *testing.T) {
	st := sampleState(t)
	cp := sampleCheckpoint()

	data, err := EncodeCheckpoint(cp, st, EncodingJSON)
	if err != nil {
		t.Fatalf("EncodeCheckpoint failed: %v", err)
	}

	var header map[string]any
	if err := json.Unmarshal(data, &header); err != nil {
		t.Fatalf("json blob is not valid json: %v", err)
	}
	if header["format"] != CheckpointFormat || header["schema"] != StateSchema || header["encoding"] != "json" {
		t.Errorf("envelope header = %v", header)
	}

	gotCP, gotState, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("DecodeCheckpoint failed: %v", err)
	}
	if !reflect.DeepEqual(gotState, st) {
		t.Errorf("decoded state differs\n got: %+v\nwant: %+v", gotState, st)
	}
	if gotCP.ID != cp.ID || gotCP.Stage != cp.Stage || !gotCP.CreatedAt.Equal(cp.CreatedAt) {
		t.Errorf("decoded checkpoint = %+v", gotCP)
	}
	if gotCP.ExpiresAt == nil || !gotCP.ExpiresAt.Equal(*cp.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", gotCP.ExpiresAt, cp.ExpiresAt)
	}
	if !bytes.Equal(gotCP.State, data) {
		t.Error("decoded checkpoint should carry the blob as State")
	}
}

func TestEncodeDecode_Msgpack(t *testing.T) {
	st := sampleState(t)
	data, err := EncodeCheckpoint(sampleCheckpoint(), st, EncodingMsgpack)
	if err != nil {
		t.Fatalf("EncodeCheckpoint failed: %v", err)
	}
	if data[0] == '{' {
		t.Fatal("msgpack blob should not look like json")
	}

	cp, got, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("DecodeCheckpoint failed: %v", err)
	}
	if cp.ID != "c-1" || !cp.CanResume {
		t.Errorf("checkpoint = %+v", cp)
	}
	if got.PipelineID != "p-1" || got.Status != pipeline.StatusRunning {
		t.Errorf("state = %+v", got)
	}
	if !reflect.DeepEqual(got.CompletedStages, []string{"analyze"}) {
		t.Errorf("CompletedStages = %v", got.CompletedStages)
	}
	res := got.StageResults["analyze"]
	if res.RetryCount != 1 || res.ExecutionTime != 150*time.Millisecond || res.Output["intent"] != "todo" {
		t.Errorf("stage result = %+v", res)
	}
	if !got.CreatedAt.Equal(st.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, st.CreatedAt)
	}
	if got.Input["prompt"] != "build a todo app" {
		t.Errorf("Input = %v", got.Input)
	}
}

func TestEncodeCheckpoint_Errors(t *testing.T) {
	if _, err := EncodeCheckpoint(sampleCheckpoint(), nil, EncodingJSON); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("nil state error = %v, want ErrInvalidInput", err)
	}
	if _, err := EncodeCheckpoint(sampleCheckpoint(), sampleState(t), "xml"); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("unknown encoding error = %v, want ErrInvalidInput", err)
	}
}

func TestDecodeCheckpoint_Rejects(t *testing.T) {
	valid := func(mutate func(map[string]any)) []byte {
		data, err := EncodeCheckpoint(sampleCheckpoint(), sampleState(t), EncodingJSON)
		if err != nil {
			t.Fatalf("EncodeCheckpoint failed: %v", err)
		}
		var env map[string]any
		_ = json.Unmarshal(data, &env)
		mutate(env)
		out, _ := json.Marshal(env)
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "whitespace", data: []byte("  \n")},
		{name: "truncated json", data: []byte(`{"format":"conductor/checkpoint"`)},
		{name: "garbage", data: []byte{0xc1, 0x00, 0x01}},
		{name: "foreign format", data: valid(func(m map[string]any) { m["format"] = "pickle" })},
		{name: "future version", data: valid(func(m map[string]any) { m["version"] = 2 })},
		{name: "unknown schema", data: valid(func(m map[string]any) { m["schema"] = "pipeline-state/v9" })},
		{name: "missing state", data: valid(func(m map[string]any) { delete(m, "state") })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeCheckpoint(tt.data)
			if !errors.Is(err, cerrors.ErrCheckpointCorrupted) {
				t.Errorf("DecodeCheckpoint error = %v, want ErrCheckpointCorrupted", err)
			}
		})
	}
}

func TestEncoding_Valid(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingMsgpack} {
		if !enc.Valid() {
			t.Errorf("%s should be valid", enc)
		}
	}
	if Encoding("gob").Valid() {
		t.Error("gob should not be valid")
	}
}
