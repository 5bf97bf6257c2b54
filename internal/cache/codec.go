package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"market-data-pipeline/internal/model"
)

func encodeEntry(e model.CachedEntry) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry %s: %w", e.Key, err)
	}
	return b, nil
}

func decodeEntry(raw []byte) (model.CachedEntry, error) {
	var e model.CachedEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return model.CachedEntry{}, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return e, nil
}

func encodePayload(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodePayload(raw []byte, out any) error {
	return msgpack.Unmarshal(raw, out)
}
