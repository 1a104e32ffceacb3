package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/dbx"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation = "23505"
	// raised when an id is not a valid UUID
	pgInvalidText = "22P02"
)

const userColumns = `id, username, email, password_hash, role, token_epoch,
	failed_login_count, locked_until, oauth_provider, oauth_identifier,
	email_verification_token, email_verification_expires,
	password_reset_token, password_reset_expires,
	is_email_verified, is_active, last_login, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	u := &models.User{}
	var role string
	err := row.Scan(&u.ID, &u.UserName, &u.Email, &u.PasswordHash, &role, &u.TokenEpoch,
		&u.FailedLoginCount, &u.LockedUntil, &u.OAuthProvider, &u.OAuthIdentifier,
		&u.EmailVerificationToken, &u.EmailVerificationExpires,
		&u.PasswordResetToken, &u.PasswordResetExpires,
		&u.IsEmailVerified, &u.IsActive, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return u, nil
}

// wrapError maps driver errors onto the common sentinels.
func wrapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrorNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", common.ErrorAlreadyExists, pgErr.ConstraintName)
		case pgInvalidText:
			return common.ErrorNotFound
		}
	}
	return fmt.Errorf("db error: %w", err)
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt

	query :=
		`INSERT INTO users (id, username, email, password_hash, role, token_epoch,
			oauth_provider, oauth_identifier, is_email_verified, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query,
		user.ID, user.UserName, user.Email, user.PasswordHash, string(user.Role), user.TokenEpoch,
		user.OAuthProvider, user.OAuthIdentifier, user.IsEmailVerified, user.IsActive,
		user.CreatedAt, user.UpdatedAt)

	created, err := scanUser(row)
	if err != nil {
		return nil, wrapError(err)
	}
	return created, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, args ...any) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, wrapError(err)
	}
	return u, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `email = $1`, email)
}

func (r *PostgresRepository) GetByUserName(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, `username = $1`, username)
}

func (r *PostgresRepository) GetByOAuth(ctx context.Context, provider, externalID string) (*models.User, error) {
	return r.getOne(ctx, `oauth_provider = $1 AND oauth_identifier = $2`, provider, externalID)
}

// RecordFailedLogin locks the row for the duration of the transaction so
// concurrent failures are applied one after another.
func (r *PostgresRepository) RecordFailedLogin(ctx context.Context, id string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	var next models.LockoutState

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var cur models.LockoutState
		err := tx.QueryRowContext(ctx,
			`SELECT failed_login_count, locked_until FROM users WHERE id = $1 FOR UPDATE`, id).
			Scan(&cur.FailedLoginCount, &cur.LockedUntil)
		if err != nil {
			return err
		}

		next = policy.NextFailure(cur, now)

		_, err = tx.ExecContext(ctx,
			`UPDATE users SET failed_login_count = $2, locked_until = $3, updated_at = $4 WHERE id = $1`,
			id, next.FailedLoginCount, next.LockedUntil, now)
		return err
	})
	if err != nil {
		return models.LockoutState{}, wrapError(err)
	}
	return next, nil
}

func (r *PostgresRepository) RecordLoginSuccess(ctx context.Context, id string, now time.Time) (int64, error) {
	query :=
		`UPDATE users SET failed_login_count = 0, locked_until = NULL, last_login = $2, updated_at = $2
		 WHERE id = $1 AND is_active AND (locked_until IS NULL OR locked_until <= $2)
		 RETURNING token_epoch`

	var epoch int64
	err := r.db.QueryRowContext(ctx, query, id, now).Scan(&epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, r.lockedOrGone(ctx, id)
		}
		return 0, wrapError(err)
	}
	return epoch, nil
}

// lockedOrGone explains why a conditional login reset matched no row.
func (r *PostgresRepository) lockedOrGone(ctx context.Context, id string) error {
	var active bool
	err := r.db.QueryRowContext(ctx, `SELECT is_active FROM users WHERE id = $1`, id).Scan(&active)
	if err != nil {
		return wrapError(err)
	}
	if !active {
		return common.ErrorNotFound
	}
	return common.ErrorLocked
}

func (r *PostgresRepository) returningEpoch(ctx context.Context, query string, args ...any) (int64, error) {
	var epoch int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&epoch); err != nil {
		return 0, wrapError(err)
	}
	return epoch, nil
}

func (r *PostgresRepository) TouchLastLogin(ctx context.Context, id string, now time.Time) (int64, error) {
	return r.returningEpoch(ctx,
		`UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1 AND is_active RETURNING token_epoch`,
		id, now)
}

func (r *PostgresRepository) IncrementTokenEpoch(ctx context.Context, id string) (int64, error) {
	return r.returningEpoch(ctx,
		`UPDATE users SET token_epoch = token_epoch + 1, updated_at = now() WHERE id = $1 RETURNING token_epoch`,
		id)
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id, hash string) (int64, error) {
	return r.returningEpoch(ctx,
		`UPDATE users SET password_hash = $2, token_epoch = token_epoch + 1, updated_at = now()
		 WHERE id = $1 AND is_active RETURNING token_epoch`,
		id, hash)
}

func ephemeralColumns(kind models.EphemeralKind) (token, expires string, err error) {
	switch kind {
	case models.KindEmailVerification:
		return "email_verification_token", "email_verification_expires", nil
	case models.KindPasswordReset:
		return "password_reset_token", "password_reset_expires", nil
	}
	return "", "", fmt.Errorf("%w: unknown token kind %q", common.ErrorValidation, kind)
}

func (r *PostgresRepository) SetEphemeralToken(ctx context.Context, id string, kind models.EphemeralKind, digest string, expires time.Time) error {
	tokenCol, expiresCol, err := ephemeralColumns(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`UPDATE users SET %s = $2, %s = $3, updated_at = now() WHERE id = $1 AND is_active`,
		tokenCol, expiresCol)

	res, err := r.db.ExecContext(ctx, query, id, digest, expires)
	if err != nil {
		return wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError(err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) ConsumeEphemeralToken(ctx context.Context, kind models.EphemeralKind, digest string, now time.Time, effect models.ConsumeEffect) (*models.User, error) {
	tokenCol, expiresCol, err := ephemeralColumns(kind)
	if err != nil {
		return nil, err
	}

	sets := []string{tokenCol + " = NULL", expiresCol + " = NULL", "updated_at = $2"}
	args := []any{digest, now}
	if effect.MarkEmailVerified {
		sets = append(sets, "is_email_verified = TRUE")
	}
	if effect.NewPasswordHash != nil {
		args = append(args, *effect.NewPasswordHash)
		sets = append(sets,
			fmt.Sprintf("password_hash = $%d", len(args)),
			"token_epoch = token_epoch + 1",
			"failed_login_count = 0",
			"locked_until = NULL")
	}

	query := fmt.Sprintf(
		`UPDATE users SET %s
		 WHERE %s = $1 AND %s > $2 AND is_active
		 RETURNING `+userColumns,
		strings.Join(sets, ", "), tokenCol, expiresCol)

	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrInvalidToken
		}
		return nil, wrapError(err)
	}
	return u, nil
}

func (r *PostgresRepository) LinkOAuth(ctx context.Context, id, provider, externalID string) (*models.User, error) {
	query :=
		`UPDATE users SET oauth_provider = $2, oauth_identifier = $3, is_email_verified = TRUE, updated_at = now()
		 WHERE id = $1 AND is_active
		 RETURNING ` + userColumns

	u, err := scanUser(r.db.QueryRowContext(ctx, query, id, provider, externalID))
	if err != nil {
		return nil, wrapError(err)
	}
	return u, nil
}

func (r *PostgresRepository) UpdateProfile(ctx context.Context, id, username, email string, emailChanged bool) (*models.User, error) {
	query :=
		`UPDATE users SET username = $2, email = $3,
			is_email_verified = CASE WHEN $4 THEN FALSE ELSE is_email_verified END,
			email_verification_token = CASE WHEN $4 THEN NULL ELSE email_verification_token END,
			email_verification_expires = CASE WHEN $4 THEN NULL ELSE email_verification_expires END,
			updated_at = now()
		 WHERE id = $1 AND is_active
		 RETURNING ` + userColumns

	u, err := scanUser(r.db.QueryRowContext(ctx, query, id, username, email, emailChanged))
	if err != nil {
		return nil, wrapError(err)
	}
	return u, nil
}

func (r *PostgresRepository) Deactivate(ctx context.Context, id, tombstoneUserName, tombstoneEmail string) (int64, error) {
	return r.returningEpoch(ctx,
		`UPDATE users SET username = $2, email = $3, is_active = FALSE,
			token_epoch = token_epoch + 1,
			oauth_provider = NULL, oauth_identifier = NULL,
			email_verification_token = NULL, email_verification_expires = NULL,
			password_reset_token = NULL, password_reset_expires = NULL,
			updated_at = now()
		 WHERE id = $1 AND is_active
		 RETURNING token_epoch`,
		id, tombstoneUserName, tombstoneEmail)
}
