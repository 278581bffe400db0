// Package intake journals raw batches to disk before they reach the
// warehouse. A batch acknowledged over the API has already been fsynced
// to a journal segment, so a crash between the acknowledgment and the
// warehouse commit loses nothing: startup replays every journaled entry
// and the warehouse skips batch ids it already stored.
package intake

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/stratalabs/strata/pkg/types"
)

const segmentPrefix = "journal_"

// DefaultMaxSegmentBytes rotates segments at 8 MiB.
const DefaultMaxSegmentBytes = 8 * 1024 * 1024

// Entry is one journaled batch.
type Entry struct {
	Seq         uint64          `json:"seq"`
	Batch       *types.RawBatch `json:"batch"`
	JournaledAt int64           `json:"journaled_at"`
}

// Journal is an append-only segmented log of raw batches. Entries are
// framed as [length:4 LE][crc32:4 LE][snappy payload] and fsynced on
// every append.
type Journal struct {
	dir         string
	segment     *os.File
	segmentID   uint64
	offset      int64
	maxSegBytes int64
	seq         uint64
	mu          sync.Mutex
}

// NewJournal opens the journal directory, resuming sequence numbers
// from any segments a previous process left behind.
func NewJournal(dir string, maxSegBytes int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("intake: failed to create journal directory: %w", err)
	}
	if maxSegBytes <= 0 {
		maxSegBytes = DefaultMaxSegmentBytes
	}

	j := &Journal{dir: dir, maxSegBytes: maxSegBytes}
	if err := j.findLastSegment(); err != nil {
		return nil, err
	}
	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) segmentPath(id uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s%016x.seg", segmentPrefix, id))
}

// findLastSegment resumes segmentID and seq from existing files.
func (j *Journal) findLastSegment() error {
	paths, err := j.segmentFiles()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	last := paths[len(paths)-1]
	var segmentID uint64
	name := filepath.Base(last)
	if _, err := fmt.Sscanf(name[len(segmentPrefix):len(segmentPrefix)+16], "%016x", &segmentID); err != nil {
		return fmt.Errorf("intake: malformed segment name %q: %w", name, err)
	}
	j.segmentID = segmentID

	// The last valid entry in the last segment carries the high seq.
	entries, err := ReadSegment(last)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Seq > j.seq {
			j.seq = e.Seq
		}
	}
	return nil
}

// segmentFiles lists segment paths sorted lexically, which is also
// chronological for the zero-padded hex naming.
func (j *Journal) segmentFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, segmentPrefix+"*.seg"))
	if err != nil {
		return nil, fmt.Errorf("intake: failed to list segments: %w", err)
	}
	return matches, nil
}

func (j *Journal) openSegment() error {
	file, err := os.OpenFile(j.segmentPath(j.segmentID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("intake: failed to open segment: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("intake: failed to seek segment: %w", err)
	}
	j.segment = file
	j.offset = offset
	return nil
}

// Append journals one batch and fsyncs before returning its sequence
// number. The batch must already carry its final BatchID; replay
// idempotency depends on the id being stable.
func (j *Journal) Append(batch *types.RawBatch, journaledAt int64) (uint64, error) {
	if batch.BatchID == (types.ULID{}) {
		return 0, fmt.Errorf("intake: batch must carry an id before journaling")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry := Entry{Seq: j.seq, Batch: batch, JournaledAt: journaledAt}

	raw, err := json.Marshal(&entry)
	if err != nil {
		return 0, fmt.Errorf("intake: failed to encode journal entry: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	if err := j.writeFrame(payload); err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

func (j *Journal) writeFrame(payload []byte) error {
	if err := binary.Write(j.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("intake: failed to write frame length: %w", err)
	}
	if err := binary.Write(j.segment, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return fmt.Errorf("intake: failed to write frame checksum: %w", err)
	}
	if _, err := j.segment.Write(payload); err != nil {
		return fmt.Errorf("intake: failed to write frame payload: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("intake: failed to fsync journal: %w", err)
	}

	j.offset += int64(8 + len(payload))
	if j.offset >= j.maxSegBytes {
		return j.rotate()
	}
	return nil
}

func (j *Journal) rotate() error {
	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("intake: failed to close segment: %w", err)
		}
	}
	j.segmentID++
	return j.openSegment()
}

// Seq returns the last assigned sequence number.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Reset removes every segment and starts a fresh one, called after a
// successful replay when all journaled batches are known to be in the
// warehouse.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("intake: failed to close segment: %w", err)
		}
		j.segment = nil
	}

	paths, err := j.segmentFiles()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("intake: failed to remove segment %s: %w", path, err)
		}
	}

	j.segmentID++
	j.offset = 0
	return j.openSegment()
}

// Close fsyncs and closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return nil
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("intake: failed to fsync on close: %w", err)
	}
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("intake: failed to close segment: %w", err)
	}
	j.segment = nil
	return nil
}

// ReadSegment decodes every valid entry in one segment file. A
// truncated tail frame ends the scan silently; that is the expected
// shape of a crash mid-append. Frames with checksum mismatches are
// skipped.
func ReadSegment(path string) ([]*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("intake: failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("intake: failed to read frame length: %w", err)
		}

		var sum uint32
		if err := binary.Read(file, binary.LittleEndian, &sum); err != nil {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}

		if crc32.ChecksumIEEE(payload) != sum {
			continue
		}

		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
