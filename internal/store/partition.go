package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/pkg/logger"
)

// partitionName renders the canonical child-table name for the month
// containing t, e.g. grab_logs_y2026m08.
func partitionName(table string, t time.Time) string {
	return fmt.Sprintf("%s_y%dm%02d", table, t.Year(), int(t.Month()))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// partitionExists probes the catalog; to_regclass returns NULL for an
// unknown relation instead of erroring.
func (s *Store) partitionExists(ctx context.Context, name string) (bool, error) {
	var reg *string
	if err := s.db.GetContext(ctx, &reg, "SELECT to_regclass($1)::text", name); err != nil {
		return false, wrapDBError(err, "probe partition "+name)
	}
	return reg != nil, nil
}

// createMonthPartition creates the child table covering the month of
// t. Returns true when the table was created, false when it already
// existed. Safe to call concurrently and repeatedly.
func (s *Store) createMonthPartition(ctx context.Context, table, comment string, t time.Time) (bool, error) {
	name := partitionName(table, t)
	exists, err := s.partitionExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	from := monthStart(t)
	to := from.AddDate(0, 1, 0)
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		name, table, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return false, wrapDBError(err, "create partition "+name)
	}
	if comment != "" {
		c := fmt.Sprintf("COMMENT ON TABLE %s IS '%s %s'", name, comment, from.Format("2006-01"))
		if _, err := s.db.ExecContext(ctx, c); err != nil {
			return false, wrapDBError(err, "comment partition "+name)
		}
	}

	logger.Info("partition created",
		zap.String("partition", name),
		zap.String("from", from.Format("2006-01-02")),
		zap.String("to", to.Format("2006-01-02")),
	)
	return true, nil
}

// CreateNextMonthPartition is the scheduled maintenance entry point:
// it makes sure the partition for next month exists ahead of the
// month boundary.
func (s *Store) CreateNextMonthPartition(ctx context.Context, table, comment string) (bool, error) {
	return s.createMonthPartition(ctx, table, comment, time.Now().UTC().AddDate(0, 1, 0))
}

// EnsureFuturePartitions creates partitions for the current month and
// the next lookaheadMonths months. Returns how many were newly
// created.
func (s *Store) EnsureFuturePartitions(ctx context.Context, table string, lookaheadMonths int, comment string) (int, error) {
	if lookaheadMonths < 1 {
		lookaheadMonths = 1
	}
	created := 0
	now := time.Now().UTC()
	for i := 0; i <= lookaheadMonths; i++ {
		ok, err := s.createMonthPartition(ctx, table, comment, now.AddDate(0, i, 0))
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// CheckPartitionHealth reports the months within the lookahead window
// that have no partition yet.
func (s *Store) CheckPartitionHealth(ctx context.Context, table string, lookaheadMonths int) ([]string, error) {
	var missing []string
	now := time.Now().UTC()
	for i := 0; i <= lookaheadMonths; i++ {
		name := partitionName(table, now.AddDate(0, i, 0))
		exists, err := s.partitionExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// RepairMissingPartitions fills any gaps found by the health check.
func (s *Store) RepairMissingPartitions(ctx context.Context, table string, lookaheadMonths int, comment string) (int, error) {
	missing, err := s.CheckPartitionHealth(ctx, table, lookaheadMonths)
	if err != nil {
		return 0, err
	}
	if len(missing) > 0 {
		logger.Warn("missing partitions detected",
			zap.String("table", table),
			zap.Strings("partitions", missing),
		)
	}
	return s.EnsureFuturePartitions(ctx, table, lookaheadMonths, comment)
}
