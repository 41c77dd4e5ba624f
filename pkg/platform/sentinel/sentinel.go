package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Entity registries and audit ledgers
// return these (optionally wrapped) so the verification service can translate
// them into domain errors.
//
//   - ErrNotFound: record does not exist in the store
//   - ErrConflict: version check failed, the record changed since it was read
//   - ErrDuplicate: an idempotency key was already recorded
//   - ErrUnavailable: backing store unreachable or refused the write
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrDuplicate   = errors.New("duplicate")
	ErrUnavailable = errors.New("unavailable")
)
