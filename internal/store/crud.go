package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// metaOf resolves the schema description for a *T entity pointer.
func metaOf(obj interface{}) (Meta, Entity, error) {
	ent, ok := obj.(Entity)
	if !ok {
		return Meta{}, nil, apperrors.BadQuery(fmt.Sprintf("%T is not an entity", obj))
	}
	return ent.Meta(), ent, nil
}

// metaFor resolves the schema description for an entity type.
func metaFor[T any]() (Meta, error) {
	var zero T
	ent, ok := any(&zero).(Entity)
	if !ok {
		return Meta{}, apperrors.BadQuery(fmt.Sprintf("%T is not an entity", &zero))
	}
	return ent.Meta(), nil
}

// touchTimestamps fills created_at/updated_at on insert when the
// caller left them zero.
func touchTimestamps(fields map[string]reflect.Value, now time.Time) {
	for _, col := range []string{"created_at", "updated_at"} {
		if v, ok := fields[col]; ok && v.CanSet() {
			if t, ok := v.Interface().(time.Time); ok && t.IsZero() {
				v.Set(reflect.ValueOf(now))
			}
		}
	}
}

// fieldsByColumn maps column name to struct field value using the sqlx
// mapper, so the schema description and the struct stay in sync.
func (s *Store) fieldsByColumn(obj interface{}) map[string]reflect.Value {
	return s.db.Mapper.FieldMap(reflect.ValueOf(obj))
}

func insertQuery(meta Meta) string {
	placeholders := make([]string, len(meta.Columns))
	for i, col := range meta.Columns {
		placeholders[i] = ":" + col
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		meta.Table,
		strings.Join(meta.Columns, ", "),
		strings.Join(placeholders, ", "),
	)
}

func scanInsertedID(rows *sqlx.Rows) (int64, error) {
	defer rows.Close()
	if !rows.Next() {
		return 0, apperrors.Wrap(rows.Err(), apperrors.KindTransient, apperrors.CodeDBError, "insert returned no id")
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, wrapDBError(err, "scan insert id")
	}
	return id, nil
}

// Insert persists one entity and returns its assigned id.
func Insert[T any](ctx context.Context, s *Store, obj *T) (int64, error) {
	meta, ent, err := metaOf(obj)
	if err != nil {
		return 0, err
	}
	touchTimestamps(s.fieldsByColumn(obj), time.Now())

	rows, err := sqlx.NamedQueryContext(ctx, s.db, insertQuery(meta), obj)
	if err != nil {
		return 0, wrapDBError(err, "insert "+meta.Table)
	}
	id, err := scanInsertedID(rows)
	if err != nil {
		return 0, err
	}
	ent.SetID(id)
	return id, nil
}

// BulkInsert persists entities one statement at a time inside a single
// transaction, serialized by the bulk mutex, and returns the assigned
// ids in input order.
func BulkInsert[T any](ctx context.Context, s *Store, objs []*T) ([]int64, error) {
	if len(objs) == 0 {
		return nil, nil
	}
	meta, _, err := metaOf(objs[0])
	if err != nil {
		return nil, err
	}

	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapDBError(err, "begin bulk insert")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := insertQuery(meta)
	now := time.Now()
	ids := make([]int64, 0, len(objs))
	for _, obj := range objs {
		touchTimestamps(s.fieldsByColumn(obj), now)
		rows, err := sqlx.NamedQueryContext(ctx, tx, query, obj)
		if err != nil {
			return nil, wrapDBError(err, "bulk insert "+meta.Table)
		}
		id, err := scanInsertedID(rows)
		if err != nil {
			return nil, err
		}
		any(obj).(Entity).SetID(id)
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDBError(err, "commit bulk insert")
	}
	return ids, nil
}

// Update writes the non-zero fields of obj back to its row, scoped by
// primary key. Zero fields are skipped, mirroring NULL-skip update
// semantics; use ExecUpdate for statements that must write zero
// values.
func Update[T any](ctx context.Context, s *Store, obj *T) error {
	meta, ent, err := metaOf(obj)
	if err != nil {
		return err
	}
	if ent.GetID() == 0 {
		return apperrors.BadQuery("update requires a primary key")
	}

	fields := s.fieldsByColumn(obj)
	if v, ok := fields["updated_at"]; ok && v.CanSet() {
		v.Set(reflect.ValueOf(time.Now()))
	}

	sets := make([]string, 0, len(meta.Columns))
	args := make([]interface{}, 0, len(meta.Columns)+1)
	for _, col := range meta.Columns {
		v, ok := fields[col]
		if !ok || isZeroField(v) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, v.Interface())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, ent.GetID())
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		meta.Table, strings.Join(sets, ", "), len(args))

	affected, err := s.ExecUpdate(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound(fmt.Sprintf("%s id %d not found", meta.Table, ent.GetID()))
	}
	return nil
}

// BulkUpdate applies Update to each entity under the bulk mutex.
func BulkUpdate[T any](ctx context.Context, s *Store, objs []*T) error {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()
	for _, obj := range objs {
		if err := Update(ctx, s, obj); err != nil {
			return err
		}
	}
	return nil
}

// Remove soft-deletes a row: sets is_delete=1 and touches updated_at.
func Remove[T any](ctx context.Context, s *Store, id int64) error {
	meta, err := metaFor[T]()
	if err != nil {
		return err
	}
	affected, err := s.ExecUpdate(ctx,
		fmt.Sprintf("UPDATE %s SET is_delete = 1, updated_at = $1 WHERE id = $2 AND is_delete = 0", meta.Table),
		time.Now(), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound(fmt.Sprintf("%s id %d not found", meta.Table, id))
	}
	return nil
}

// BulkRemove soft-deletes many rows in one statement.
func BulkRemove[T any](ctx context.Context, s *Store, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	meta, err := metaFor[T]()
	if err != nil {
		return err
	}
	query, args, err := sqlx.In(
		fmt.Sprintf("UPDATE %s SET is_delete = 1, updated_at = ? WHERE id IN (?) AND is_delete = 0", meta.Table),
		time.Now(), ids)
	if err != nil {
		return apperrors.BadQuery(err.Error())
	}
	_, err = s.ExecUpdate(ctx, s.db.Rebind(query), args...)
	return err
}

// Restore reverses a soft delete.
func Restore[T any](ctx context.Context, s *Store, id int64) error {
	meta, err := metaFor[T]()
	if err != nil {
		return err
	}
	affected, err := s.ExecUpdate(ctx,
		fmt.Sprintf("UPDATE %s SET is_delete = 0, updated_at = $1 WHERE id = $2 AND is_delete = 1", meta.Table),
		time.Now(), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound(fmt.Sprintf("%s id %d not found or not deleted", meta.Table, id))
	}
	return nil
}

// QueryByID fetches one live row by primary key. Soft-deleted rows are
// invisible and report NotFound.
func QueryByID[T any](ctx context.Context, s *Store, id int64) (*T, error) {
	meta, err := metaFor[T]()
	if err != nil {
		return nil, err
	}
	var obj T
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = $1 AND is_delete = 0", meta.Table)
	if err := s.db.GetContext(ctx, &obj, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound(fmt.Sprintf("%s id %d not found", meta.Table, id))
		}
		return nil, wrapDBError(err, "query by id")
	}
	return &obj, nil
}

// QueryOne fetches the first live row matching the non-zero fields of
// the example entity.
func QueryOne[T any](ctx context.Context, s *Store, example *T) (*T, error) {
	meta, _, err := metaOf(example)
	if err != nil {
		return nil, err
	}
	fields := s.fieldsByColumn(example)

	where := []string{"is_delete = 0"}
	var args []interface{}
	for _, col := range meta.Columns {
		v, ok := fields[col]
		if !ok || isZeroField(v) {
			continue
		}
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, v.Interface())
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1",
		meta.Table, strings.Join(where, " AND "))

	var out T
	if err := s.db.GetContext(ctx, &out, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("no row matching example")
		}
		return nil, wrapDBError(err, "query one")
	}
	return &out, nil
}

// Query runs a raw SELECT and maps the rows onto T.
func Query[T any](ctx context.Context, s *Store, query string, args ...interface{}) ([]T, error) {
	var out []T
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, wrapDBError(err, "query")
	}
	return out, nil
}

// isZeroField treats zero values, invalid NULL wrappers and zero times
// as "unset" for example matching and NULL-skip updates.
func isZeroField(v reflect.Value) bool {
	switch val := v.Interface().(type) {
	case sql.NullInt64:
		return !val.Valid
	case sql.NullTime:
		return !val.Valid
	case time.Time:
		return val.IsZero()
	}
	return v.IsZero()
}
