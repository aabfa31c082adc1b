package synccache

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func encode(c Cache) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("synccache: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(blob []byte) (Cache, error) {
	if len(blob) < 1 {
		return Empty(), nil
	}
	version := blob[0]
	switch version {
	case codecVersion:
		var c Cache
		if err := gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(&c); err != nil {
			return Cache{}, fmt.Errorf("synccache: decode: %w", err)
		}
		return c, nil
	default:
		return Cache{}, fmt.Errorf("synccache: unsupported codec version %d", version)
	}
}
