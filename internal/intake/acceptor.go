package intake

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/pkg/types"
)

// Appender is the warehouse surface batches land on.
type Appender interface {
	AppendBatch(ctx context.Context, batch *types.RawBatch) error
}

// Acceptor is the journaled write path: assign the batch its identity,
// fsync it to the journal, then append it to the warehouse. The order
// matters; the journal entry must carry the batch id the warehouse will
// dedupe on during replay.
type Acceptor struct {
	journal *Journal
	store   Appender
	ulids   *types.ULIDGenerator
	log     *zap.SugaredLogger
}

// NewAcceptor wires the journal in front of the warehouse.
func NewAcceptor(journal *Journal, store Appender, log *zap.SugaredLogger) *Acceptor {
	if log == nil {
		log = logging.Nop()
	}
	return &Acceptor{
		journal: journal,
		store:   store,
		ulids:   types.NewULIDGenerator(),
		log:     log,
	}
}

// Accept journals and stores one batch, returning its assigned id.
func (a *Acceptor) Accept(ctx context.Context, batch *types.RawBatch) (types.ULID, error) {
	if batch.BatchID == (types.ULID{}) {
		id, err := a.ulids.Generate()
		if err != nil {
			return types.ULID{}, fmt.Errorf("intake: failed to generate batch id: %w", err)
		}
		batch.BatchID = id
	}
	if batch.LoadedAt.IsZero() {
		batch.LoadedAt = time.Now()
	}
	if batch.SchemaFingerprint == "" {
		batch.SchemaFingerprint = fingerprint.Sum(batch.Schema)
	}

	seq, err := a.journal.Append(batch, time.Now().Unix())
	if err != nil {
		return types.ULID{}, err
	}

	if err := a.store.AppendBatch(ctx, batch); err != nil {
		// The journal has the batch; replay will land it on restart.
		a.log.Warnw("batch journaled but warehouse append failed",
			"batch_id", batch.BatchID.String(),
			"seq", seq,
			"error", err,
		)
		return types.ULID{}, err
	}

	return batch.BatchID, nil
}

// Replay pushes every journaled batch back through the warehouse and
// resets the journal. Batches the warehouse already has are skipped by
// its id check, so replaying a healthy journal is a no-op.
func (a *Acceptor) Replay(ctx context.Context) (int, error) {
	paths, err := a.journal.segmentFiles()
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	replayed := 0
	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			a.log.Warnw("skipping unreadable journal segment", "segment", path, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.Batch == nil {
				continue
			}
			if err := a.store.AppendBatch(ctx, entry.Batch); err != nil {
				return replayed, fmt.Errorf("intake: replay failed at seq %d: %w", entry.Seq, err)
			}
			replayed++
		}
	}

	if err := a.journal.Reset(); err != nil {
		return replayed, err
	}
	if replayed > 0 {
		a.log.Infow("journal replayed", "entries", replayed)
	}
	return replayed, nil
}
