package buffer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/phpprof/telemetry-relay/internal/logging"
)

// Config holds the durable buffer configuration.
type Config struct {
	// Dir is the directory for disk segments. Owned by exactly one
	// buffer instance; no two processes may share it.
	Dir string
	// MemoryCapacity is the number of entries the memory tier holds
	// before the whole tier overflows to a disk segment.
	MemoryCapacity int
	// MaxBytes caps the total size across both tiers. Exceeding it
	// evicts the oldest entries.
	MaxBytes int64
	// Compression enables zstd compression of disk segments.
	Compression bool
}

// DurableBuffer is the ordered holding area for not-yet-delivered records.
// Memory-first; a full memory tier is atomically flushed to a disk segment,
// and disk segments from a previous run are recovered at startup.
//
// Enqueue never blocks and never reports failure to the caller: every
// relay-layer problem is routed to logs and metrics instead.
type DurableBuffer struct {
	mu sync.Mutex

	dir            string
	memoryCapacity int
	maxBytes       int64
	compression    bool

	mem      []*Entry
	memBytes int64

	segments    []*segment
	diskBytes   int64
	diskEntries int

	nextSeq uint64
	evicted uint64
}

// Open creates or recovers a durable buffer rooted at cfg.Dir. Disk
// segments left by a previous process are registered oldest-first so their
// entries are redelivered before anything new.
func Open(cfg Config) (*DurableBuffer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}

	segments, maxSeq, err := openSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	b := &DurableBuffer{
		dir:            cfg.Dir,
		memoryCapacity: cfg.MemoryCapacity,
		maxBytes:       cfg.MaxBytes,
		compression:    cfg.Compression,
		segments:       segments,
		nextSeq:        maxSeq + 1,
	}
	for _, s := range segments {
		b.diskBytes += s.bytes
		b.diskEntries += s.count
		segmentsRecoveredTotal.Inc()
	}
	if len(segments) > 0 {
		logging.Info("recovered disk backlog", logging.F(
			"segments", len(segments),
			"entries", b.diskEntries,
			"bytes", b.diskBytes,
		))
	}
	b.updateGaugesLocked()
	return b, nil
}

// Enqueue wraps rec into an entry and appends it to the memory tier.
// It returns nothing: the producer can never observe a relay failure.
func (b *DurableBuffer) Enqueue(rec Record) {
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := &Entry{Seq: b.nextSeq, Tier: TierMemory, Record: rec}
	b.nextSeq++
	// Payload size plus per-entry envelope overhead approximates the
	// NDJSON line length without marshaling on the hot path.
	e.encodedSize = int64(len(rec.Payload)+len(rec.CorrelationID)) + 96

	b.mem = append(b.mem, e)
	b.memBytes += e.encodedSize
	enqueuedTotal.Inc()

	if len(b.mem) >= b.memoryCapacity {
		b.flushMemLocked()
	}
	b.enforceCeilingLocked()
	b.updateGaugesLocked()
}

// Drain returns up to max entries in FIFO order without removing them.
// Disk segments come first (they are older), then the memory tier.
func (b *DurableBuffer) Drain(max int) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Entry
	for _, s := range b.segments {
		if len(out) >= max {
			return out
		}
		entries, err := s.load()
		if err != nil {
			logging.Warn("skipping unreadable segment during drain", logging.F(
				"segment", s.path,
				"error", err.Error(),
			))
			continue
		}
		for _, e := range entries {
			if _, ok := s.acked[e.Seq]; ok {
				continue
			}
			out = append(out, e)
			if len(out) >= max {
				return out
			}
		}
	}
	for _, e := range b.mem {
		if len(out) >= max {
			break
		}
		out = append(out, e)
	}
	return out
}

// Acknowledge removes entries after a confirmed send. A disk segment file
// is deleted only once every entry it holds has been acknowledged.
func (b *DurableBuffer) Acknowledge(seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	ackSet := make(map[uint64]struct{}, len(seqs))
	for _, s := range seqs {
		ackSet[s] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Memory tier: drop acknowledged entries in place.
	kept := b.mem[:0]
	for _, e := range b.mem {
		if _, ok := ackSet[e.Seq]; ok {
			b.memBytes -= e.encodedSize
			continue
		}
		kept = append(kept, e)
	}
	b.mem = kept

	minSeq, maxSeq := seqs[0], seqs[0]
	for _, s := range seqs[1:] {
		if s < minSeq {
			minSeq = s
		}
		if s > maxSeq {
			maxSeq = s
		}
	}

	// Disk tier: mark entries, delete fully-acknowledged segments.
	// Acknowledged sequence ids always come out of a prior Drain, so any
	// segment holding one is already cached; segments outside the ack
	// range or never drained are skipped without touching the disk.
	remaining := b.segments[:0]
	for _, s := range b.segments {
		if s.entries == nil || s.lastSeq < minSeq || s.firstSeq > maxSeq {
			remaining = append(remaining, s)
			continue
		}
		for _, e := range s.entries {
			if _, ok := ackSet[e.Seq]; !ok {
				continue
			}
			if _, dup := s.acked[e.Seq]; !dup {
				s.acked[e.Seq] = struct{}{}
				b.diskEntries--
			}
		}
		if s.remaining() <= 0 {
			if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
				logging.Error("failed to remove drained segment", logging.F(
					"segment", s.path,
					"error", err.Error(),
				))
			}
			b.diskBytes -= s.bytes
			segmentsRemovedTotal.Inc()
			continue
		}
		remaining = append(remaining, s)
	}
	b.segments = remaining
	acknowledgedTotal.Add(float64(len(seqs)))
	b.updateGaugesLocked()
}

// Len returns the number of buffered entries across both tiers.
func (b *DurableBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mem) + b.diskEntries
}

// SizeBytes returns the total buffered size across both tiers.
func (b *DurableBuffer) SizeBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memBytes + b.diskBytes
}

// HasDiskBacklog reports whether unacknowledged disk segments exist.
func (b *DurableBuffer) HasDiskBacklog() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.diskEntries > 0
}

// Stats returns current occupancy counts.
func (b *DurableBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		MemoryEntries: len(b.mem),
		DiskEntries:   b.diskEntries,
		DiskSegments:  len(b.segments),
		TotalBytes:    b.memBytes + b.diskBytes,
		EvictedTotal:  b.evicted,
	}
}

// FlushToDisk writes the memory tier out as a segment. Called on shutdown
// so in-flight records survive the restart; the disk tier needs no special
// handling since it is already durable.
func (b *DurableBuffer) FlushToDisk() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.mem) == 0 {
		return
	}
	b.flushMemLocked()
	b.updateGaugesLocked()
}

// flushMemLocked writes the whole memory tier to one new segment and clears
// it. On write failure the tier is kept in memory for another attempt, but
// growth is capped at twice the configured capacity: beyond that the oldest
// entries are dropped as a last resort.
func (b *DurableBuffer) flushMemLocked() {
	seg, err := writeSegment(b.dir, b.mem, b.compression)
	if err != nil {
		diskWriteErrorsTotal.Inc()
		logging.Error("failed to flush memory tier to disk", logging.F(
			"entries", len(b.mem),
			"error", err.Error(),
		))
		if over := len(b.mem) - 2*b.memoryCapacity; over > 0 {
			for _, e := range b.mem[:over] {
				b.memBytes -= e.encodedSize
			}
			b.mem = append(b.mem[:0], b.mem[over:]...)
			b.evicted += uint64(over)
			droppedTotal.WithLabelValues("disk_write_failed").Add(float64(over))
			logging.Warn("dropped oldest entries after disk write failure", logging.F(
				"dropped", over,
			))
		}
		return
	}

	b.segments = append(b.segments, seg)
	b.diskBytes += seg.bytes
	b.diskEntries += seg.count
	b.mem = nil
	b.memBytes = 0
	segmentsFlushedTotal.Inc()
}

// enforceCeilingLocked evicts oldest data first until total size fits under
// the byte ceiling. Bounded loss under a sustained outage is deliberate:
// the alternative is unbounded disk growth.
func (b *DurableBuffer) enforceCeilingLocked() {
	if b.maxBytes <= 0 {
		return
	}
	var evictedNow int
	for b.memBytes+b.diskBytes > b.maxBytes {
		if len(b.segments) > 0 {
			s := b.segments[0]
			b.segments = b.segments[1:]
			if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
				logging.Error("failed to remove evicted segment", logging.F(
					"segment", s.path,
					"error", err.Error(),
				))
			}
			b.diskBytes -= s.bytes
			b.diskEntries -= s.remaining()
			evictedNow += s.remaining()
			continue
		}
		if len(b.mem) > 1 {
			e := b.mem[0]
			b.mem = b.mem[1:]
			b.memBytes -= e.encodedSize
			evictedNow++
			continue
		}
		break
	}
	if evictedNow > 0 {
		b.evicted += uint64(evictedNow)
		evictedTotal.Add(float64(evictedNow))
		logging.Warn("buffer over byte ceiling, evicted oldest entries", logging.F(
			"evicted", evictedNow,
			"max_bytes", b.maxBytes,
			"total_bytes", b.memBytes+b.diskBytes,
		))
	}
}

func (b *DurableBuffer) updateGaugesLocked() {
	memoryEntriesGauge.Set(float64(len(b.mem)))
	diskEntriesGauge.Set(float64(b.diskEntries))
	diskSegmentsGauge.Set(float64(len(b.segments)))
	totalBytesGauge.Set(float64(b.memBytes + b.diskBytes))
}
