package metrics

import "codeberg.org/mutker/radioguard/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("snapshot_invalid_db_path")

	// Schema
	ErrSchemaInitFailed       = errors.ErrorCode("snapshot_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("snapshot_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("snapshot_schema_migration_failed")

	// Storage
	ErrStorageInit       = errors.ErrInitFailed
	ErrStorageAccess     = errors.ErrorCode("snapshot_storage_access_failed")
	ErrStorageClose      = errors.ErrShutdownFailed
	ErrTransactionFailed = errors.ErrorCode("snapshot_transaction_failed")

	// Collection
	ErrInvalidSnapshot  = errors.ErrorCode("snapshot_invalid")
	ErrRecordFailed     = errors.ErrorCode("snapshot_record_failed")
	ErrOperationTimeout = errors.ErrTimeout
)
