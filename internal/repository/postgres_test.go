package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entitlementRowColumns = []string{
	"principal_id", "free_usage_count", "credits", "tier",
	"billing_customer_ref", "billing_subscription_ref",
	"version", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func expectEnsure(mock sqlmock.Sqlmock, principalID string) {
	mock.ExpectExec("INSERT INTO principals").WithArgs(principalID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO entitlements").WithArgs(principalID).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresStore_Update_LocksAndWrites(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectEnsure(mock, "user_1")
	mock.ExpectQuery(`SELECT .* FROM entitlements WHERE principal_id = \$1 FOR UPDATE`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows(entitlementRowColumns).
			AddRow("user_1", 5, 1, "payperuse", "", "", int64(4), now, now))
	mock.ExpectQuery("UPDATE entitlements").
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(5), now))
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Update(context.Background(), "user_1", consume)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Credits)
	assert.Equal(t, int64(5), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_QuotaExceededRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectEnsure(mock, "user_1")
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(entitlementRowColumns).
			AddRow("user_1", 5, 0, "free", "", "", int64(5), now, now))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "user_1", consume)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_TransientLockError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectEnsure(mock, "user_1")
	mock.ExpectQuery("FOR UPDATE").WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "user_1", consume)
	assert.ErrorIs(t, err, ErrTransient)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_CustomerRefTaken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectEnsure(mock, "user_2")
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(entitlementRowColumns).
			AddRow("user_2", 0, 0, "free", "", "", int64(0), now, now))
	mock.ExpectQuery("UPDATE entitlements").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: customerRefIndex})
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "user_2", func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		return nil, rec.LinkCustomer("cus_1")
	})
	assert.ErrorIs(t, err, ErrCustomerLinked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyBillingEvent_Duplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	called := false
	_, err := store.ApplyBillingEvent(context.Background(),
		domain.BillingReceipt{EventID: "evt_1", PrincipalID: "user_1", ProcessedAt: time.Now()},
		func(*domain.EntitlementRecord) (*domain.UsageRecord, error) {
			called = true
			return nil, nil
		})
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyBillingEvent_Applies(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_events").WillReturnResult(sqlmock.NewResult(0, 1))
	expectEnsure(mock, "user_1")
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(entitlementRowColumns).
			AddRow("user_1", 0, 0, "free", "", "", int64(0), now, now))
	mock.ExpectQuery("UPDATE entitlements").
		WithArgs("user_1", 0, 3, "free", "cus_1", nil).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(1), now))
	mock.ExpectCommit()

	rec, err := store.ApplyBillingEvent(context.Background(),
		domain.BillingReceipt{EventID: "evt_1", PrincipalID: "user_1", Payload: []byte(`{}`), ProcessedAt: now},
		func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
			if err := rec.LinkCustomer("cus_1"); err != nil {
				return nil, err
			}
			return nil, rec.GrantCredits(3)
		})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Credits)
	assert.Equal(t, "cus_1", rec.BillingCustomerRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveCustomer_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT principal_id FROM entitlements").
		WithArgs("cus_x").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}))

	_, err := store.ResolveCustomer(context.Background(), "cus_x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_PruneBillingEvents(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM billing_events").WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.PruneBillingEvents(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestPostgresStore_Stats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"total", "unlimited", "payperuse", "free", "stories"}).
			AddRow(4, 1, 1, 2, 9))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalPrincipals)
	assert.Equal(t, 9, stats.TotalStories)
	assert.Equal(t, 25.0, stats.UnlimitedPercentage)
}

func TestMapError(t *testing.T) {
	assert.Nil(t, mapError(nil))
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "40001"}), ErrTransient)
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "08006"}), ErrTransient)

	other := &pgconn.PgError{Code: "23514"}
	assert.True(t, errors.Is(mapError(other), other))
}

func TestMapCommitError(t *testing.T) {
	assert.ErrorIs(t, mapCommitError(&pgconn.PgError{Code: "40001"}), ErrTransient)
	assert.ErrorIs(t, mapCommitError(&pgconn.PgError{Code: "40P01"}), ErrTransient)

	for _, err := range []error{driver.ErrBadConn, &pgconn.PgError{Code: "08006"}, errors.New("EOF")} {
		mapped := mapCommitError(err)
		assert.NotErrorIs(t, mapped, ErrTransient)
		assert.ErrorIs(t, mapped, err)
	}
}

func TestPostgresStore_Update_CommitConnectionLossIsNotTransient(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectEnsure(mock, "user_1")
	mock.ExpectQuery(`SELECT .* FROM entitlements WHERE principal_id = \$1 FOR UPDATE`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows(entitlementRowColumns).
			AddRow("user_1", 5, 1, "payperuse", "", "", int64(4), now, now))
	mock.ExpectQuery("UPDATE entitlements").
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(5), now))
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(driver.ErrBadConn)

	_, err := store.Update(context.Background(), "user_1", consume)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.NoError(t, mock.ExpectationsWereMet())
}
