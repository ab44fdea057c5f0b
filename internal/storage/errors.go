package storage

import "errors"

// Error model per §4.1/§7: NotFound, UniqueViolation, InvalidColumn,
// IntegrityError. Transactional failures surface as one of these with no
// partial effect, mirroring the teacher's services/errors.go sentinels.
var (
	ErrNotFound        = errors.New("storage: not found")
	ErrUniqueViolation = errors.New("storage: unique constraint violation")
	ErrInvalidColumn   = errors.New("storage: invalid column")
	ErrIntegrity       = errors.New("storage: integrity error")
	ErrMigrationFailed = errors.New("storage: migration failed")
)
