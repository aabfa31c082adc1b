package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// codecVersion is the leading byte of every encoded blob. Bump it and add a
// case to the decode switch when the wire shape changes; old rows keep
// decoding under their original version.
const codecVersion byte = 1

func init() {
	gob.Register(EmailCollection{})
	gob.Register(GenericCollection{})
}

// EncodeFolders serializes a folder-hierarchy snapshot for storage in
// sync_data.
func EncodeFolders(f Folders) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("snapshot: encode folders: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFolders deserializes a folder-hierarchy snapshot. An empty input
// decodes to a zero-value Folders (no entries), matching the "no hierarchy
// synced yet" state.
func DecodeFolders(blob []byte) (Folders, error) {
	var f Folders
	if len(blob) == 0 {
		return f, nil
	}
	if err := decodeVersioned(blob, &f); err != nil {
		return Folders{}, fmt.Errorf("snapshot: decode folders: %w", err)
	}
	return f, nil
}

// EncodeCollection serializes a per-collection snapshot for storage in
// sync_data.
func EncodeCollection(c Collection) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("snapshot: encode collection: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCollection deserializes a per-collection snapshot. When blob is
// empty the caller must synthesize Empty(class) itself: the class isn't
// recoverable from an empty blob, it comes from the inbound request.
func DecodeCollection(blob []byte) (Collection, error) {
	var c Collection
	if len(blob) == 0 {
		return c, nil
	}
	if err := decodeVersioned(blob, &c); err != nil {
		return Collection{}, fmt.Errorf("snapshot: decode collection: %w", err)
	}
	return c, nil
}

// EncodePending serializes a pending-changes list for storage in
// sync_pending.
func EncodePending(p Pending) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("snapshot: encode pending: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePending deserializes a pending-changes list. Empty input decodes to
// an empty list.
func DecodePending(blob []byte) (Pending, error) {
	var p Pending
	if len(blob) == 0 {
		return p, nil
	}
	if err := decodeVersioned(blob, &p); err != nil {
		return Pending{}, fmt.Errorf("snapshot: decode pending: %w", err)
	}
	return p, nil
}

func decodeVersioned(blob []byte, v interface{}) error {
	if len(blob) < 1 {
		return fmt.Errorf("empty blob")
	}
	version := blob[0]
	switch version {
	case codecVersion:
		return gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(v)
	default:
		return fmt.Errorf("unsupported snapshot codec version %d", version)
	}
}
