package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexicon-cms/lexicon-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return sqlxDB, mock, func() {
		sqlxDB.Close()
		db.Close()
	}
}

func TestTokenRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token := &models.RefreshToken{
		UserID:      "u1",
		TokenHash:   "hash-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		CreatedByIP: "10.0.0.1",
	}
	require.NoError(t, repo.Create(context.Background(), token))
	assert.NotEmpty(t, token.ID)
}

func TestTokenRepositoryFindByHash(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "created_at", "created_by_ip", "revoked_at", "revoked_by_ip", "revoked_reason", "replaced_by_hash"}).
		AddRow("rt1", "u1", "hash-1", now.Add(time.Hour), now, "10.0.0.1", nil, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM refresh_tokens WHERE token_hash").
		WithArgs("hash-1").
		WillReturnRows(rows)

	token, err := repo.FindByHash(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", token.UserID)
	assert.True(t, token.Active(now))
}

func TestTokenRepositoryRotateWinner(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("old-hash", sqlmock.AnyArg(), "10.0.0.1", models.RevokeReasonRotated, "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	next := &models.RefreshToken{
		UserID:      "u1",
		TokenHash:   "new-hash",
		ExpiresAt:   time.Now().Add(time.Hour),
		CreatedByIP: "10.0.0.1",
	}
	rotated, err := repo.Rotate(context.Background(), "old-hash", next, "10.0.0.1", models.RevokeReasonRotated)
	require.NoError(t, err)
	assert.True(t, rotated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotateLosesRace(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	// The conditional UPDATE touches no rows when another rotation already
	// revoked the token; the replacement must not be inserted.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("old-hash", sqlmock.AnyArg(), "10.0.0.1", models.RevokeReasonRotated, "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	next := &models.RefreshToken{UserID: "u1", TokenHash: "new-hash", ExpiresAt: time.Now().Add(time.Hour)}
	rotated, err := repo.Rotate(context.Background(), "old-hash", next, "10.0.0.1", models.RevokeReasonRotated)
	require.NoError(t, err)
	assert.False(t, rotated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRevoke(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("hash-1", sqlmock.AnyArg(), "10.0.0.1", models.RevokeReasonUserLogout).
		WillReturnResult(sqlmock.NewResult(0, 1))

	revoked, err := repo.Revoke(context.Background(), "hash-1", "10.0.0.1", models.RevokeReasonUserLogout)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestTokenRepositoryRevokeAlreadyInactive(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("hash-1", sqlmock.AnyArg(), "10.0.0.1", models.RevokeReasonUserLogout).
		WillReturnResult(sqlmock.NewResult(0, 0))

	revoked, err := repo.Revoke(context.Background(), "hash-1", "10.0.0.1", models.RevokeReasonUserLogout)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestTokenRepositoryRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("u1", sqlmock.AnyArg(), "10.0.0.1", models.RevokeReasonReuseDetected).
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := repo.RevokeAllForUser(context.Background(), "u1", "10.0.0.1", models.RevokeReasonReuseDetected)
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
}
