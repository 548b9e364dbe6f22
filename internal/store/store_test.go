package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewWithDB(sqlx.NewDb(mockDB, "pgx")), mock
}

func TestClaimOrder_Won(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1, uv_id = $2, version = $3, updated_at = $4")).
		WithArgs(OrderStatusClaimed, int64(42), 4, sqlmock.AnyArg(), int64(7), 3, OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ClaimOrder(context.Background(), 7, 42, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

// A stale version hits zero rows: the claim was lost, not errored.
func TestClaimOrder_Lost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE orders SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ClaimOrder(context.Background(), 7, 42, 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeClaimLost))
	assert.True(t, apperrors.IsKind(err, apperrors.KindSemantic))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetOrderForRetry_ZeroesVersion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1, version = 0, uv_id = NULL")).
		WithArgs(OrderStatusPending, sqlmock.AnyArg(), int64(7), OrderStatusClaimed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ResetOrderForRetry(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove_SoftDeletes(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET is_delete = 1, updated_at = $1 WHERE id = $2 AND is_delete = 0")).
		WithArgs(sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, Remove[Order](context.Background(), s, 9))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove_MissingRowIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE orders SET is_delete = 1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := Remove[Order](context.Background(), s, 9)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

// Soft-deleted rows are invisible to reads.
func TestQueryByID_ExcludesDeleted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM orders WHERE id = $1 AND is_delete = 0")).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.OrderByID(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

// Update skips zero fields so a partial struct never clobbers columns
// the caller did not touch.
func TestUpdate_SkipsZeroFields(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET order_no = $1, updated_at = $2 WHERE id = $3")).
		WithArgs("UV-1", sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, Update(context.Background(), s, &Order{ID: 5, OrderNo: "UV-1"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_WithoutIDRejected(t *testing.T) {
	s, _ := newMockStore(t)
	err := Update(context.Background(), s, &Order{OrderNo: "UV-1"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadQuery))
}

func TestQueryPage_RequiresOrderBy(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := QueryPage[Order](context.Background(), s, QuerySpec{}, 1, 10)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadQuery))
}

func TestQueryPage_CountsAndPages(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM orders WHERE is_delete = 0 AND status = $1")).
		WithArgs(OrderStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(205))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 100 OFFSET 100")).
		WithArgs(OrderStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_no"}).AddRow(1, "UV-1"))

	page, err := s.PendingOrderPage(context.Background(), 2, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(205), page.Total)
	assert.Equal(t, int64(3), page.Pages)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "UV-1", page.Items[0].OrderNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Re-running partition maintenance for an existing month is a no-op.
func TestPartition_CreateIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass($1)::text")).
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("grab_logs_y2026m09"))

	created, err := s.CreateNextMonthPartition(context.Background(), "grab_logs", "grab log archive")
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartition_CreatesMissingMonth(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass($1)::text")).
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS grab_logs_y[0-9]+m[0-9]+ PARTITION OF grab_logs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMENT ON TABLE grab_logs_y[0-9]+m[0-9]+").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := s.CreateNextMonthPartition(context.Background(), "grab_logs", "grab log archive")
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrapDBError_Taxonomy(t *testing.T) {
	assert.True(t, apperrors.IsCode(wrapDBError(errors.New("deadlock detected"), "op"), apperrors.CodeDBDeadlock))
	assert.True(t, apperrors.IsCode(wrapDBError(errors.New(`duplicate key value violates unique constraint "orders_order_no_key"`), "op"), apperrors.CodeDuplicate))
	assert.True(t, apperrors.IsCode(wrapDBError(errors.New("connection refused"), "op"), apperrors.CodeDBError))
}

func TestGeo_PointRoundTrip(t *testing.T) {
	wkt := FormatPoint(121.4737, 31.2304)
	assert.Equal(t, "POINT(121.4737 31.2304)", wkt)

	lng, lat, err := ParsePoint(wkt)
	require.NoError(t, err)
	assert.InDelta(t, 121.4737, lng, 1e-9)
	assert.InDelta(t, 31.2304, lat, 1e-9)

	_, _, err = ParsePoint("not a point")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadPayload))
}

func TestGeo_Haversine(t *testing.T) {
	// Shanghai People's Square to Lujiazui, roughly 4km.
	d, err := HaversineMeters("POINT(121.4737 31.2304)", "POINT(121.5055 31.2397)")
	require.NoError(t, err)
	assert.InDelta(t, 3200, d, 800)
}
