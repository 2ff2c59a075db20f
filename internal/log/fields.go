// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	FieldEvent     = "event"
	FieldComponent = "component"

	FieldCamera       = "camera"
	FieldSubscriber   = "subscriber"
	FieldSequence     = "sequence"
	FieldSession      = "session"
	FieldFileID       = "file_id"
	FieldFormat       = "format"
	FieldPath         = "path"
	FieldOldState     = "old_state"
	FieldNewState     = "new_state"
	FieldReason       = "reason"
	FieldDurationMS   = "duration_ms"
	FieldFrames       = "frames"
	FieldDropped      = "dropped"
	FieldErrorCount   = "error_count"
	FieldCacheEntries = "cache_entries"
	FieldCacheBytes   = "cache_bytes"
)
