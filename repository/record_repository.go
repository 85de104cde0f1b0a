// file: repository/record_repository.go

package repository

import (
	"context"

	"ledger-auth-gateway/model"
)

// IRecordRepository defines the contract for user record persistence.
//
// GetByName and GetByRefreshToken return common.ErrUserNotFound when nothing
// matches. Save is a compare-and-swap on rec.Revision: it returns
// common.ErrConflict if the stored record changed since it was read, and on
// success updates rec.Revision to the new value.
type IRecordRepository interface {
	GetByName(ctx context.Context, name string) (*model.UserRecord, error)
	GetByRefreshToken(ctx context.Context, token string) (*model.UserRecord, error)
	Save(ctx context.Context, rec *model.UserRecord) error
	Ping(ctx context.Context) error
}
