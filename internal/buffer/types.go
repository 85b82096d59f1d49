package buffer

import (
	"encoding/json"
	"time"
)

// Tier tags where a buffered entry currently lives.
type Tier string

const (
	// TierMemory means the entry is held in the in-memory tier.
	TierMemory Tier = "memory"
	// TierDisk means the entry has been flushed to a disk segment.
	TierDisk Tier = "disk"
)

// Record is an opaque serialized telemetry payload plus metadata.
// Immutable once enqueued.
type Record struct {
	// Payload is the serialized telemetry document, passed through untouched.
	Payload json.RawMessage `json:"payload"`
	// CorrelationID ties the record back to the producing request.
	CorrelationID string `json:"correlation_id,omitempty"`
	// EnqueuedAt is when the record entered the buffer.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Entry wraps a Record with its FIFO sequence id and storage tier.
type Entry struct {
	Seq    uint64 `json:"seq"`
	Tier   Tier   `json:"tier"`
	Record Record `json:"record"`

	// encodedSize is the NDJSON line length, used for byte accounting.
	encodedSize int64
}

// Stats is a derived view of buffer occupancy, used for eviction decisions
// and the status endpoint.
type Stats struct {
	MemoryEntries int    `json:"memory_entries"`
	DiskEntries   int    `json:"disk_entries"`
	DiskSegments  int    `json:"disk_segments"`
	TotalBytes    int64  `json:"total_bytes"`
	EvictedTotal  uint64 `json:"evicted_total"`
}
