package resultstore

import "gorm.io/gorm/clause"

// upsertOnTaskIDClause lets Save overwrite a previous record for the same
// task_id instead of failing on the primary key conflict that a retried
// job's second successful attempt would otherwise hit.
func upsertOnTaskIDClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "kind", "inline_data", "blob_key", "size", "checksum", "stored_at"}),
	}
}
