package workflow

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/enrollment_backend/models"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleStartedAfter is how long a STARTED key blocks others before it is taken over.
const staleStartedAfter = 5 * time.Minute

// Idempotency guards an external side effect per (scope, handler, key).
type Idempotency interface {
	Begin(ctx context.Context, scope, handlerName, messageId string) (skip bool, err error)
	MarkSucceeded(ctx context.Context, scope, handlerName, messageId string) error
	MarkFailed(ctx context.Context, scope, handlerName, messageId string, cause error) error
}

type GormIdempotency struct {
	db *gorm.DB
}

func NewGormIdempotency(db *gorm.DB) *GormIdempotency {
	return &GormIdempotency{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// Begin inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func (g *GormIdempotency) Begin(ctx context.Context, scope, handlerName, messageId string) (bool, error) {
	tx := g.db.WithContext(ctx)
	key := models.IdempotencyKey{
		Scope:       scope,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another run is registering this order right now, unless the row is stale.
		if time.Since(existing.UpdatedAt) < staleStartedAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func (g *GormIdempotency) MarkSucceeded(ctx context.Context, scope, handlerName, messageId string) error {
	return g.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func (g *GormIdempotency) MarkFailed(ctx context.Context, scope, handlerName, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return g.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
