package resultstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// resultRow is the gorm model backing PostgresPersistentStore. Inline and
// error results are stored as raw JSON bytes in a binary column; pointer
// results leave InlineData nil and BlobKey set.
type resultRow struct {
	TaskID     string    `gorm:"column:task_id;primaryKey"`
	Owner      string    `gorm:"column:owner;index"`
	Kind       string    `gorm:"column:kind"`
	InlineData []byte    `gorm:"column:inline_data"`
	BlobKey    string    `gorm:"column:blob_key"`
	Size       int64     `gorm:"column:size"`
	Checksum   string    `gorm:"column:checksum"`
	StoredAt   time.Time `gorm:"column:stored_at"`
}

func (resultRow) TableName() string { return "orchestrator_results" }

// PostgresPersistentStore is the durable PersistentStore backed by
// gorm/Postgres. It keeps the tx-or-default helper shape of the teacher's
// repository layer, but no method takes a transaction: every method runs on
// the store's own *gorm.DB.
type PostgresPersistentStore struct {
	db *gorm.DB
}

// NewPostgresPersistentStore wraps an already-migrated *gorm.DB. Migration
// of the orchestrator_results table is left to the caller's standard
// AutoMigrate/migration-tool setup, matching how the rest of the schema in
// this codebase is managed.
func NewPostgresPersistentStore(db *gorm.DB) *PostgresPersistentStore {
	return &PostgresPersistentStore{db: db}
}

func (p *PostgresPersistentStore) withTx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return p.db
}

func (p *PostgresPersistentStore) Save(ctx context.Context, rec record) error {
	row := resultRow{
		TaskID:     rec.TaskID,
		Owner:      rec.Owner,
		Kind:       string(rec.Kind),
		InlineData: []byte(rec.InlineData),
		BlobKey:    rec.BlobKey,
		Size:       rec.Size,
		Checksum:   rec.Checksum,
		StoredAt:   rec.StoredAt,
	}
	return p.withTx(nil).WithContext(ctx).
		Clauses(upsertOnTaskIDClause()).
		Create(&row).Error
}

func (p *PostgresPersistentStore) Load(ctx context.Context, taskID string) (record, bool, error) {
	var row resultRow
	err := p.withTx(nil).WithContext(ctx).
		Where("task_id = ?", taskID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	return record{
		TaskID:     row.TaskID,
		Owner:      row.Owner,
		Kind:       Kind(row.Kind),
		InlineData: row.InlineData,
		BlobKey:    row.BlobKey,
		Size:       row.Size,
		Checksum:   row.Checksum,
		StoredAt:   row.StoredAt,
	}, true, nil
}

func (p *PostgresPersistentStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	result := p.withTx(nil).WithContext(ctx).
		Where("stored_at < ?", olderThan).
		Delete(&resultRow{})
	return result.RowsAffected, result.Error
}
