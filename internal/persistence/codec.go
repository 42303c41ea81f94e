package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/fluxq/pkg/api"
)

// JSON-shaped payloads are common enough to register up front.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// RegisterPayload records the concrete type of v with encoding/gob so
// payloads of that type survive a round trip through persistent stores.
func RegisterPayload(v any) {
	gob.Register(v)
}

// encodePayload serializes a task payload. The value is encoded as an
// interface so it decodes back into any without knowing its type.
func encodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode payload %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return iv, nil
}

// storedTask is the encoded form of a task held under a lock by key-value
// backends. Seq preserves arrival order across a requeue.
type storedTask struct {
	ID       string
	Payload  []byte
	Priority int
	Seq      int64
}

func newStoredTask(t api.Task, seq int64) (storedTask, error) {
	data, err := encodePayload(t.Payload)
	if err != nil {
		return storedTask{}, err
	}
	return storedTask{ID: t.ID, Payload: data, Priority: t.Priority, Seq: seq}, nil
}

func (s storedTask) task() (api.Task, error) {
	payload, err := decodePayload(s.Payload)
	if err != nil {
		return api.Task{}, err
	}
	return api.Task{ID: s.ID, Payload: payload, Priority: s.Priority}, nil
}

func (s storedTask) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStoredTask(data []byte) (storedTask, error) {
	var s storedTask
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return storedTask{}, fmt.Errorf("decode stored task: %w", err)
	}
	return s, nil
}

// byDequeueOrder orders stored tasks highest priority first, then by
// arrival: oldest first, or newest first when newest is set.
func byDequeueOrder(newest bool) func(a, b storedTask) int {
	return func(a, b storedTask) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		switch {
		case a.Seq == b.Seq:
			return 0
		case (a.Seq < b.Seq) != newest:
			return -1
		default:
			return 1
		}
	}
}
