// Package store implements the Output Store: the durable record of each
// cell's most recent successful output, keyed by a structural fingerprint
// of its return type so schema evolution can be detected without storing
// type names.
package store

import "time"

// TypeFingerprint is a deterministic hash of a return type's structural
// schema (field names, field order and field types, recursively through the
// struct definitions found in the notebook; any other nominal type, such as
// an enum, is keyed by its name alone), stable across compiles of the same
// schema and across processes.
type TypeFingerprint [32]byte

// CellOutput is the triple the spec defines: a fingerprint, the serialized
// bytes, and an optional human-rendered preview for recognized types.
type CellOutput struct {
	Fingerprint TypeFingerprint
	Bytes       []byte
	DisplayText string
	Version     uint64
	StoredAt    time.Time
}

// SchemaStatus is the result of comparing a stored fingerprint against a
// cell's current compile-time fingerprint.
type SchemaStatus int

const (
	// SchemaAbsent means no output has ever been stored for this cell.
	SchemaAbsent SchemaStatus = iota
	// SchemaUnchanged means the stored and current fingerprints match.
	SchemaUnchanged
	// SchemaChanged means the cell's return type has evolved since the
	// last stored output; the old bytes must be discarded.
	SchemaChanged
)

// SchemaCheck is the richer report callers use to render a one-time
// SchemaChanged event and decide whether to discard stale bytes.
type SchemaCheck struct {
	Status SchemaStatus
	Old    TypeFingerprint
	New    TypeFingerprint
}
