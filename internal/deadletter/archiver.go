package deadletter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/kvcache"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/metrics"
)

const (
	archiveThreshold   = 12 * time.Hour
	maxArchiveDirBytes = 100 << 20
)

// Archiver moves aging dead-letter records from the KV store to disk.
// A record is archived once its remaining TTL drops below half the
// record lifetime; the KV entry is deleted only after a non-empty
// file exists.
type Archiver struct {
	kv  *kvcache.Client
	dir string
}

// NewArchiver creates an archiver writing into the configured
// directory.
func NewArchiver(kv *kvcache.Client, cfg config.DeadLetterConfig) *Archiver {
	return &Archiver{kv: kv, dir: cfg.ArchiveDir}
}

// Run performs one maintenance cycle and returns the number of
// records archived.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	keys, err := a.kv.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, key := range keys {
		ttl, err := a.kv.TTL(ctx, key)
		if err != nil || ttl >= archiveThreshold {
			continue
		}
		if err := a.archiveOne(ctx, key); err != nil {
			logger.Warn("dead-letter archive failed",
				zap.String("key", key), zap.Error(err))
			continue
		}
		archived++
	}

	if archived > 0 {
		logger.Info("dead-letter maintenance completed",
			zap.Int("scanned", len(keys)), zap.Int("archived", archived))
	}
	a.checkDirSize()
	return archived, nil
}

func (a *Archiver) archiveOne(ctx context.Context, key string) error {
	record, err := a.kv.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(a.dir, recordFileName(time.Now(), key))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}

	// The KV entry goes only after a non-empty file is on disk.
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return err
	}
	if err := a.kv.Del(ctx, key); err != nil {
		return err
	}
	metrics.DeadLettersTotal.WithLabelValues("archived").Inc()
	return nil
}

// checkDirSize raises an alert once the archive outgrows its budget.
func (a *Archiver) checkDirSize() {
	var total int64
	_ = filepath.Walk(a.dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if total > maxArchiveDirBytes {
		logger.Alert("dead-letter archive directory over budget",
			zap.Int64("bytes", total), zap.String("dir", a.dir))
	}
}
