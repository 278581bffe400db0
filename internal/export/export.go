// Package export publishes a run's output tables as snappy-compressed
// JSON artifacts in object storage, one object per table plus a
// manifest describing the set. Artifacts are immutable: every run
// writes under its own run id and the manifest is written last, so a
// manifest's presence means its artifacts are complete.
package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stratalabs/strata/internal/fingerprint"
	"github.com/stratalabs/strata/internal/logging"
	"github.com/stratalabs/strata/internal/storage"
)

// TableReader is the warehouse surface the exporter reads from.
type TableReader interface {
	ReadTable(ctx context.Context, tenantSlug, tableName string) ([]string, []map[string]interface{}, error)
}

// Artifact describes one exported table object.
type Artifact struct {
	ID       string `json:"id"`
	Table    string `json:"table"`
	Key      string `json:"key"`
	RowCount int    `json:"row_count"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"`
}

// Manifest describes one run's complete artifact set.
type Manifest struct {
	RunID      string     `json:"run_id"`
	TenantSlug string     `json:"tenant_slug"`
	CreatedAt  time.Time  `json:"created_at"`
	Artifacts  []Artifact `json:"artifacts"`
}

// Options configures an Exporter.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	// Workers bounds concurrent table uploads. Defaults to 4.
	Workers int

	// MultipartThreshold switches to multipart upload above this many
	// bytes. Defaults to 8 MiB.
	MultipartThreshold int64
}

// Exporter writes run artifacts to object storage.
type Exporter struct {
	objects   storage.ObjectStorage
	store     TableReader
	prefix    string
	workers   int
	threshold int64
	log       *zap.SugaredLogger
}

// NewExporter builds an exporter over an object storage backend.
func NewExporter(objects storage.ObjectStorage, store TableReader, opts Options, log *zap.SugaredLogger) *Exporter {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	threshold := opts.MultipartThreshold
	if threshold <= 0 {
		threshold = 8 * 1024 * 1024
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Exporter{
		objects:   objects,
		store:     store,
		prefix:    opts.Prefix,
		workers:   workers,
		threshold: threshold,
		log:       log,
	}
}

// Export reads each table from the warehouse and uploads it under
// <prefix>/<tenant>/<run_id>/. Tables upload in parallel; the manifest
// uploads only after every artifact succeeded. Empty tables still
// export so consumers can distinguish "no rows" from "not exported".
func (e *Exporter) Export(ctx context.Context, tenantSlug, runID string, tables []string) (*Manifest, error) {
	manifest := &Manifest{
		RunID:      runID,
		TenantSlug: tenantSlug,
		CreatedAt:  time.Now().UTC(),
	}
	if len(tables) == 0 {
		return manifest, nil
	}

	sem := semaphore.NewWeighted(int64(e.workers))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, table := range tables {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			defer sem.Release(1)

			artifact, err := e.exportTable(ctx, tenantSlug, runID, table)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			manifest.Artifacts = append(manifest.Artifacts, *artifact)
		}(table)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	// Upload order is nondeterministic; the manifest is the contract.
	sort.Slice(manifest.Artifacts, func(i, j int) bool {
		return manifest.Artifacts[i].Table < manifest.Artifacts[j].Table
	})

	if err := e.uploadManifest(ctx, manifest); err != nil {
		return nil, err
	}

	e.log.Infow("run exported",
		"tenant", tenantSlug,
		"run_id", runID,
		"artifacts", len(manifest.Artifacts),
	)
	return manifest, nil
}

func (e *Exporter) exportTable(ctx context.Context, tenantSlug, runID, table string) (*Artifact, error) {
	columns, rows, err := e.store.ReadTable(ctx, tenantSlug, table)
	if err != nil {
		return nil, fmt.Errorf("export: failed to read table %s: %w", table, err)
	}

	data, err := EncodeTable(columns, rows)
	if err != nil {
		return nil, err
	}

	key := e.objectKey(tenantSlug, runID, table+".json.sz")
	if err := e.uploadBytes(ctx, key, data); err != nil {
		return nil, fmt.Errorf("export: failed to upload %s: %w", key, err)
	}

	return &Artifact{
		ID:       uuid.New().String(),
		Table:    table,
		Key:      key,
		RowCount: len(rows),
		Bytes:    int64(len(data)),
		Checksum: fingerprint.SumBytes(data),
	}, nil
}

func (e *Exporter) uploadManifest(ctx context.Context, manifest *Manifest) error {
	data, err := encodeManifest(manifest)
	if err != nil {
		return err
	}
	key := e.objectKey(manifest.TenantSlug, manifest.RunID, "manifest.json")
	if err := e.uploadBytes(ctx, key, data); err != nil {
		return fmt.Errorf("export: failed to upload manifest: %w", err)
	}
	return nil
}

// uploadBytes stages data in a temp file because the storage layer
// transfers files, then picks multipart for large artifacts.
func (e *Exporter) uploadBytes(ctx context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp("", "strata-export-*")
	if err != nil {
		return fmt.Errorf("export: failed to stage artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("export: failed to stage artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: failed to stage artifact: %w", err)
	}

	if int64(len(data)) > e.threshold {
		_, err = e.objects.UploadMultipart(ctx, tmp.Name(), key)
		return err
	}
	return e.objects.Upload(ctx, tmp.Name(), key)
}

func (e *Exporter) objectKey(tenantSlug, runID, name string) string {
	if e.prefix == "" {
		return path.Join("exports", tenantSlug, runID, name)
	}
	return path.Join(e.prefix, tenantSlug, runID, name)
}
