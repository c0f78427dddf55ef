// Package errors provides structured error handling for the research core.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and index I/O errors
//   - 3XX: Transport and capability errors (bus, embedder)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates metadata store and index I/O errors.
	CategoryStorage Category = "STORAGE"
	// CategoryTransport indicates event transport and capability errors.
	CategoryTransport Category = "TRANSPORT"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299). Transient by default: a storage blip is
	// retried with backoff before the event goes to the dead-letter path.
	ErrCodeStorageIO        = "ERR_201_STORAGE_IO"
	ErrCodeCorruptIndex     = "ERR_202_CORRUPT_INDEX"
	ErrCodeIndexDiverged    = "ERR_203_INDEX_DIVERGED"
	ErrCodeSnapshotFailed   = "ERR_204_SNAPSHOT_FAILED"
	ErrCodeStoreUnavailable = "ERR_205_STORE_UNAVAILABLE"

	// Transport/capability errors (300-399)
	ErrCodeTransportTimeout = "ERR_301_TRANSPORT_TIMEOUT"
	ErrCodeEmbedUnavailable = "ERR_302_EMBED_UNAVAILABLE"
	ErrCodePublishFailed    = "ERR_303_PUBLISH_FAILED"

	// Validation errors (400-499). Never retried: retrying cannot fix
	// malformed input, so these are logged and dropped.
	ErrCodeInvalidInput    = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidQuery    = "ERR_402_INVALID_QUERY"
	ErrCodeInvalidDocument = "ERR_403_INVALID_DOCUMENT"
	ErrCodeInvalidFilter   = "ERR_404_INVALID_FILTER"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeIndexFailed     = "ERR_505_INDEX_FAILED"
	ErrCodeDedupeFailed    = "ERR_506_DEDUPE_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryTransport
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode maps code to default severity.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeIndexDiverged:
		return SeverityFatal
	case ErrCodeSnapshotFailed:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// retryableCodes lists codes whose operations may be retried whole.
var retryableCodes = map[string]bool{
	ErrCodeStorageIO:        true,
	ErrCodeStoreUnavailable: true,
	ErrCodeTransportTimeout: true,
	ErrCodeEmbedUnavailable: true,
	ErrCodePublishFailed:    true,
	ErrCodeEmbeddingFailed:  true,
	ErrCodeIndexFailed:      true,
}

// isRetryableCode reports whether operations failing with this code should
// be retried with backoff before dead-lettering.
func isRetryableCode(code string) bool {
	return retryableCodes[code]
}
