// file: repository/postgres_repository.go

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	selectRecordByNameQuery  = `SELECT name, roles, refresh_tokens, password_hash, revision FROM user_records WHERE name = $1`
	selectRecordByTokenQuery = `SELECT name, roles, refresh_tokens, password_hash, revision FROM user_records WHERE refresh_tokens @> ARRAY[$1]::text[] LIMIT 1`
	updateRecordQuery        = `UPDATE user_records SET roles = $1, refresh_tokens = $2, revision = revision + 1, updated_at = now() WHERE name = $3 AND revision = $4 RETURNING revision`
	recordExistsQuery        = `SELECT EXISTS (SELECT 1 FROM user_records WHERE name = $1)`
	insertRecordQuery        = `INSERT INTO user_records (name, roles, refresh_tokens, password_hash) VALUES ($1, $2, $3, $4) RETURNING revision`
)

// PostgresRecordRepository implements IRecordRepository on the user_records table.
type PostgresRecordRepository struct {
	DB *sql.DB
}

func NewPostgresRecordRepository(db *sql.DB) *PostgresRecordRepository {
	return &PostgresRecordRepository{DB: db}
}

func (r *PostgresRecordRepository) GetByName(ctx context.Context, name string) (*model.UserRecord, error) {
	log := logger.Log.WithField("name", name)
	log.Debug("Executing query to get user record by name")

	rec, err := scanRecord(r.DB.QueryRowContext(ctx, selectRecordByNameQuery, name))
	if err != nil {
		if !errors.Is(err, common.ErrUserNotFound) {
			log.WithError(err).Error("Failed to execute get user record by name query")
		}
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRecordRepository) GetByRefreshToken(ctx context.Context, token string) (*model.UserRecord, error) {
	log := logger.Log.WithField("token_fingerprint", common.Fingerprint(token))
	log.Debug("Executing query to get user record by refresh token")

	rec, err := scanRecord(r.DB.QueryRowContext(ctx, selectRecordByTokenQuery, token))
	if err != nil {
		if !errors.Is(err, common.ErrUserNotFound) {
			log.WithError(err).Error("Failed to execute get user record by refresh token query")
		}
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRecordRepository) Save(ctx context.Context, rec *model.UserRecord) error {
	log := logger.Log.WithFields(logrus.Fields{
		"name":     rec.Name,
		"revision": rec.Revision,
		"tokens":   len(rec.RefreshTokens),
	})
	log.Debug("Executing query to update user record")

	revision, err := strconv.ParseInt(rec.Revision, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid revision %q for %s: %w", rec.Revision, rec.Name, common.ErrConflict)
	}

	var next int64
	err = r.DB.QueryRowContext(ctx, updateRecordQuery,
		pq.Array(nonNil(rec.Roles)), pq.Array(nonNil(rec.RefreshTokens)), rec.Name, revision,
	).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.missedUpdate(ctx, rec.Name, log)
		}
		log.WithError(err).Error("Failed to execute update user record query")
		return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}

	rec.Revision = strconv.FormatInt(next, 10)
	return nil
}

// missedUpdate tells a stale revision apart from a row that no longer exists
// after an update matched nothing.
func (r *PostgresRecordRepository) missedUpdate(ctx context.Context, name string, log *logrus.Entry) error {
	var exists bool
	if err := r.DB.QueryRowContext(ctx, recordExistsQuery, name).Scan(&exists); err != nil {
		log.WithError(err).Error("Failed to check user record existence")
		return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	if !exists {
		log.Warn("User record disappeared underneath update")
		return common.ErrUserNotFound
	}
	log.Warn("User record revision changed underneath update")
	return common.ErrConflict
}

// Create inserts a new user record. It is used to provision users.
func (r *PostgresRecordRepository) Create(ctx context.Context, rec *model.UserRecord) error {
	log := logger.Log.WithField("name", rec.Name)
	log.Info("Executing query to create a new user record")

	var revision int64
	err := r.DB.QueryRowContext(ctx, insertRecordQuery,
		rec.Name, pq.Array(nonNil(rec.Roles)), pq.Array(nonNil(rec.RefreshTokens)), nullString(rec.PasswordHash),
	).Scan(&revision)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return common.ErrConflict
		}
		log.WithError(err).Error("Failed to execute create user record query")
		return err
	}
	rec.Revision = strconv.FormatInt(revision, 10)
	return nil
}

func (r *PostgresRecordRepository) Ping(ctx context.Context) error {
	if err := r.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	return nil
}

func scanRecord(row *sql.Row) (*model.UserRecord, error) {
	var (
		rec          model.UserRecord
		roles        pq.StringArray
		tokens       pq.StringArray
		passwordHash sql.NullString
		revision     int64
	)
	if err := row.Scan(&rec.Name, &roles, &tokens, &passwordHash, &revision); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	rec.Roles = []string(roles)
	rec.RefreshTokens = []string(tokens)
	rec.PasswordHash = passwordHash.String
	rec.Revision = strconv.FormatInt(revision, 10)
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
