package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ObjectRef is the file_ref shape from spec.md §3/§6.3: a pointer into the object
// storage backend plus enough metadata to serve, verify, or re-derive the file
// without another storage round trip. Mirrors original_source's S3ObjectRefData,
// following the teacher's CropConfig Valuer/Scanner pattern (since removed along
// with the rest of the teacher's photo-upload package; see DESIGN.md).
type ObjectRef struct {
	Key              string `json:"key"`
	Bucket           string `json:"bucket"`
	ContentType      string `json:"content_type,omitempty"`
	Size             int64  `json:"size,omitempty"`
	ETag             string `json:"etag,omitempty"`
	SHA256           string `json:"sha256,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
}

// Value implements driver.Valuer. A nil *ObjectRef (the common case — most
// versions have no file_ref until they complete) must value as SQL NULL rather
// than the JSON literal "null", so callers always pass *ObjectRef, never
// ObjectRef, for nullable columns.
func (r *ObjectRef) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *ObjectRef) Scan(value any) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("entity: ObjectRef.Scan: expected []byte, got %T", value)
	}
	return json.Unmarshal(b, r)
}
