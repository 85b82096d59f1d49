package buffer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/phpprof/telemetry-relay/internal/logging"
)

const (
	segmentPrefix     = "seg-"
	segmentSuffix     = ".ndjson"
	segmentZstdSuffix = ".ndjson.zst"
)

// segment is one immutable disk file holding a flushed memory tier.
// Files are named so that sorting by name yields insertion order.
type segment struct {
	path     string
	count    int
	bytes    int64
	firstSeq uint64
	lastSeq  uint64

	// entries is populated lazily on the first drain that reaches this
	// segment, and stays cached until the segment is deleted.
	entries []*Entry
	// acked holds sequence ids already confirmed by the transmitter.
	acked map[uint64]struct{}
	// loadFailed marks a segment whose contents could not be read; it is
	// skipped by drains instead of being re-read every cycle.
	loadFailed bool
}

// writeSegment atomically writes entries to a new segment file in dir
// (temp file + fsync + rename). Entries are re-tagged to the disk tier.
func writeSegment(dir string, entries []*Entry, compress bool) (*segment, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("empty segment")
	}
	for _, e := range entries {
		e.Tier = TierDisk
	}

	suffix := segmentSuffix
	if compress {
		suffix = segmentZstdSuffix
	}
	name := fmt.Sprintf("%s%020d-%010d%s", segmentPrefix, time.Now().UnixNano(), entries[0].Seq, suffix)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, segmentPrefix+"*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp segment: %w", err)
	}
	tmpName := tmp.Name()

	var w io.Writer = tmp
	var zw *zstd.Encoder
	if compress {
		zw, err = zstd.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		w = zw
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return nil, fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("flush segment: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return nil, fmt.Errorf("close zstd writer: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("sync segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close segment: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("rename segment: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	// The flushed entries are not retained: the point of the flush is to
	// release memory, and a drain re-reads the file when it gets there.
	return &segment{
		path:     path,
		count:    len(entries),
		bytes:    info.Size(),
		firstSeq: entries[0].Seq,
		lastSeq:  entries[len(entries)-1].Seq,
		acked:    make(map[uint64]struct{}),
	}, nil
}

// load reads the segment entries from disk. Individual bad lines are
// logged and skipped; a completely unreadable file marks the segment as
// failed so drains stop retrying it.
func (s *segment) load() ([]*Entry, error) {
	if s.entries != nil {
		return s.entries, nil
	}
	if s.loadFailed {
		return nil, fmt.Errorf("segment %s previously failed to load", s.path)
	}

	f, err := os.Open(s.path)
	if err != nil {
		s.loadFailed = true
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(s.path, segmentZstdSuffix) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			s.loadFailed = true
			return nil, fmt.Errorf("open zstd segment: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var entries []*Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			logging.Warn("skipping corrupt buffer entry", logging.F(
				"segment", s.path,
				"error", err.Error(),
			))
			continue
		}
		e.Tier = TierDisk
		e.encodedSize = int64(len(line)) + 1
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		s.loadFailed = true
		return nil, fmt.Errorf("read segment: %w", err)
	}

	s.entries = entries
	s.count = len(entries)
	return entries, nil
}

// remaining returns the number of not-yet-acknowledged entries.
func (s *segment) remaining() int {
	return s.count - len(s.acked)
}

// openSegments scans dir for segment files and returns them in insertion
// order together with the highest sequence id seen. Each segment is fully
// read once so counts and sequence ranges are exact after a restart.
func openSegments(dir string) ([]*segment, uint64, error) {
	names, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"))
	if err != nil {
		return nil, 0, fmt.Errorf("scan buffer directory: %w", err)
	}
	sort.Strings(names)

	var segments []*segment
	var maxSeq uint64
	for _, path := range names {
		if strings.HasSuffix(path, ".tmp") {
			// Leftover from an interrupted flush; the rename never
			// happened so the data was never acknowledged as durable.
			os.Remove(path)
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			logging.Warn("skipping unreadable segment", logging.F("segment", path, "error", err.Error()))
			continue
		}
		s := &segment{
			path:  path,
			bytes: info.Size(),
			acked: make(map[uint64]struct{}),
		}
		entries, err := s.load()
		if err != nil {
			logging.Warn("skipping corrupt segment", logging.F("segment", path, "error", err.Error()))
			continue
		}
		if len(entries) == 0 {
			os.Remove(path)
			continue
		}
		s.firstSeq = entries[0].Seq
		s.lastSeq = entries[len(entries)-1].Seq
		if s.lastSeq > maxSeq {
			maxSeq = s.lastSeq
		}
		// Startup only needs counts and sequence ranges; the recovered
		// backlog must not be pinned in the heap all at once.
		s.entries = nil
		segments = append(segments, s)
	}
	return segments, maxSeq, nil
}
