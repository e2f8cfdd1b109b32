package service

import (
	"encoding/json"
	"sync"

	"github.com/theshibabasement/maxun/pkg/models"
)

// CaptureBuffer accumulates the structured and binary chunks an
// interpretation session produces, keyed by logical output name. Repeated
// chunks for the same key extend an ordered sequence rather than overwrite,
// so multi-page captures keep every batch. Keys stay in insertion order for
// deterministic export. There is no size cap; callers needing bounded memory
// must impose one externally.
type CaptureBuffer struct {
	mu           sync.Mutex
	keys         []string
	serializable map[string][]json.RawMessage
	binary       map[string][]models.BinaryChunk
}

func NewCaptureBuffer() *CaptureBuffer {
	return &CaptureBuffer{
		serializable: make(map[string][]json.RawMessage),
		binary:       make(map[string][]models.BinaryChunk),
	}
}

// AddSerializable appends one structured chunk under the given key.
func (b *CaptureBuffer) AddSerializable(key string, value json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trackKey(key)
	b.serializable[key] = append(b.serializable[key], append(json.RawMessage(nil), value...))
}

// AddBinary appends one binary artifact under the given key.
func (b *CaptureBuffer) AddBinary(key, mimetype string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trackKey(key)
	b.binary[key] = append(b.binary[key], models.BinaryChunk{
		Mimetype: mimetype,
		Data:     append([]byte(nil), data...),
	})
}

func (b *CaptureBuffer) trackKey(key string) {
	if _, ok := b.serializable[key]; ok {
		return
	}
	if _, ok := b.binary[key]; ok {
		return
	}
	b.keys = append(b.keys, key)
}

// Keys returns the logical output names in insertion order.
func (b *CaptureBuffer) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

// Snapshot copies both output maps so consumers never observe the buffer's
// internal state mid-run.
func (b *CaptureBuffer) Snapshot() (models.SerializableOutput, models.BinaryOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	serializable := make(models.SerializableOutput, len(b.serializable))
	for k, chunks := range b.serializable {
		serializable[k] = append([]json.RawMessage(nil), chunks...)
	}
	binary := make(models.BinaryOutput, len(b.binary))
	for k, chunks := range b.binary {
		binary[k] = append([]models.BinaryChunk(nil), chunks...)
	}
	return serializable, binary
}
