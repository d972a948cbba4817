package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// Checkpoint blob identity. Bump Version when the envelope changes and
// Schema when the PipelineState layout changes incompatibly.
const (
	CheckpointFormat  = "conductor/checkpoint"
	CheckpointVersion = 1
	StateSchema       = "pipeline-state/v1"
)

// Encoding selects the checkpoint wire encoding.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	return e == EncodingJSON || e == EncodingMsgpack
}

// envelope is the self-describing checkpoint blob. Field names are shared by
// both encodings through the json struct tag.
type envelope struct {
	Format     string                  `json:"format"`
	Version    int                     `json:"version"`
	Schema     string                  `json:"schema"`
	Encoding   Encoding                `json:"encoding"`
	Checkpoint pipeline.Checkpoint     `json:"checkpoint"`
	State      *pipeline.PipelineState `json:"state"`
}

// EncodeCheckpoint serializes the checkpoint metadata and the state it
// captures. cp.State is ignored.
func EncodeCheckpoint(cp pipeline.Checkpoint, st *pipeline.PipelineState, enc Encoding) ([]byte, error) {
	if st == nil {
		return nil, errors.NewValidationError("checkpoint state is nil").WithField("state")
	}
	if enc == "" {
		enc = EncodingJSON
	}
	env := envelope{
		Format:     CheckpointFormat,
		Version:    CheckpointVersion,
		Schema:     StateSchema,
		Encoding:   enc,
		Checkpoint: cp,
		State:      st,
	}
	env.Checkpoint.State = nil

	switch enc {
	case EncodingJSON:
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		return data, nil
	case EncodingMsgpack:
		var buf bytes.Buffer
		encoder := msgpack.NewEncoder(&buf)
		encoder.SetCustomStructTag("json")
		if err := encoder.Encode(env); err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown checkpoint encoding %q", enc)).
			WithField("encoding").WithValue(string(enc))
	}
}

// DecodeCheckpoint parses a blob produced by EncodeCheckpoint. The encoding
// is detected from the first byte. The returned checkpoint carries data as
// its State.
func DecodeCheckpoint(data []byte) (*pipeline.Checkpoint, *pipeline.PipelineState, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil, corrupted("empty blob", nil)
	}

	var env envelope
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, nil, corrupted("invalid json", err)
		}
	} else {
		decoder := msgpack.NewDecoder(bytes.NewReader(data))
		decoder.SetCustomStructTag("json")
		if err := decoder.Decode(&env); err != nil {
			return nil, nil, corrupted("invalid msgpack", err)
		}
	}

	switch {
	case env.Format != CheckpointFormat:
		return nil, nil, corrupted(fmt.Sprintf("unknown format %q", env.Format), nil)
	case env.Version != CheckpointVersion:
		return nil, nil, corrupted(fmt.Sprintf("unsupported version %d", env.Version), nil)
	case env.Schema != StateSchema:
		return nil, nil, corrupted(fmt.Sprintf("unsupported schema %q", env.Schema), nil)
	case env.State == nil:
		return nil, nil, corrupted("missing state", nil)
	}

	st := env.State
	if st.CompletedStages == nil {
		st.CompletedStages = []string{}
	}
	if st.StageResults == nil {
		st.StageResults = make(map[string]pipeline.StageResult)
	}

	cp := env.Checkpoint
	cp.State = data
	return &cp, st, nil
}

func corrupted(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrCheckpointCorrupted, msg, cause)
	}
	return fmt.Errorf("%w: %s", errors.ErrCheckpointCorrupted, msg)
}
