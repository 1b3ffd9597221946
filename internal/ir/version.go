package ir

// Version constants recorded in annotated documents and cache entries.
const (
	// FormatVersion is the cache entry payload format version.
	FormatVersion = "1"

	// EngineVersion is the gridflow executor version.
	EngineVersion = "0.3.0"
)
