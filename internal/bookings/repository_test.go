package bookings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bookingColumnNames = []string{
	"id", "business_id", "customer_name", "customer_phone", "customer_email", "service_address", "notes",
	"slot_start", "slot_end", "status", "technician_id", "external_ref", "idempotency_key", "source_tag",
	"unassigned_reason", "is_emergency", "call_id", "deleted_at", "created_at", "updated_at",
}

var technicianColumnNames = []string{
	"id", "business_id", "name", "phone", "email", "home_address", "active", "on_call", "emergency_only", "priority", "deleted_at",
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo := NewRepositoryWithDB(mock)
	fixed := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }
	return mock, repo
}

func TestBookingsBetweenScansNullableColumns(t *testing.T) {
	mock, repo := newMockRepo(t)
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	created := start.Add(-24 * time.Hour)

	rows := pgxmock.NewRows(bookingColumnNames).
		AddRow("b1", "biz-1", "Ana", "+15550001", "", "1 Main St", "", start, end, "booked", "tech-1", "", "key-1", "voice", "", false, "call-1", nil, created, created).
		AddRow("b2", "biz-1", "Ben", "+15550002", "", "", "", start, nil, "pending", nil, "", nil, "voice", ReasonAllBusy, false, "", nil, created, created)
	mock.ExpectQuery("FROM bookings").WithArgs("biz-1", start, start.Add(24*time.Hour)).WillReturnRows(rows)

	got, err := repo.BookingsBetween(context.Background(), "biz-1", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "tech-1", got[0].TechnicianID)
	assert.Equal(t, "key-1", got[0].IdempotencyKey)
	require.NotNil(t, got[0].SlotEnd)
	assert.True(t, got[0].SlotEnd.Equal(end))
	assert.Equal(t, StatusBooked, got[0].Status)

	assert.False(t, got[1].Assigned())
	assert.Nil(t, got[1].SlotEnd)
	assert.Empty(t, got[1].IdempotencyKey)
	assert.Equal(t, ReasonAllBusy, got[1].UnassignedReason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingByIdempotencyKeyNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)
	mock.ExpectQuery("idempotency_key = \\$2").WithArgs("biz-1", "key-9").WillReturnError(pgx.ErrNoRows)

	_, err := repo.BookingByIdempotencyKey(context.Background(), "biz-1", "key-9")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBookingMapsUniqueViolation(t *testing.T) {
	mock, repo := newMockRepo(t)
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec("INSERT INTO bookings").WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertBooking(context.Background(), &Booking{
			ID:             "b1",
			BusinessID:     "biz-1",
			CustomerPhone:  "+15550001",
			SlotStart:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
			Status:         StatusPending,
			IdempotencyKey: "key-1",
		})
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRetriesSerializationFailure(t *testing.T) {
	mock, repo := newMockRepo(t)
	retries := 0
	repo.OnRetry(func(error) { retries++ })

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("FROM technicians").WithArgs("biz-1").WillReturnError(&pgconn.PgError{Code: pgSerializationFailure})
	mock.ExpectRollback()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("FROM technicians").WithArgs("biz-1").WillReturnRows(
		pgxmock.NewRows(technicianColumnNames).
			AddRow("t2", "biz-1", "Bo", "", "", "", true, false, false, 1, nil).
			AddRow("t1", "biz-1", "Al", "", "", "", true, true, false, 5, nil),
	)
	mock.ExpectCommit()

	var ids []string
	err := repo.InTx(context.Background(), func(tx Tx) error {
		techs, err := tx.LockTechnicians(context.Background(), "biz-1")
		if err != nil {
			return err
		}
		ids = nil
		for _, tech := range techs {
			ids = append(ids, tech.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.Equal(t, []string{"t1", "t2"}, ids, "locked roster is ranked by priority")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxDoesNotRetryOtherErrors(t *testing.T) {
	mock, repo := newMockRepo(t)
	boom := errors.New("boom")
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectRollback()

	calls := 0
	err := repo.InTx(context.Background(), func(Tx) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusRejectsInvalidTransition(t *testing.T) {
	mock, repo := newMockRepo(t)
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("FOR UPDATE").WithArgs("biz-1", "b1").WillReturnRows(
		pgxmock.NewRows(bookingColumnNames).
			AddRow("b1", "biz-1", "Ana", "+15550001", "", "", "", start, nil, "completed", "tech-1", "", nil, "voice", "", false, "", nil, start, start),
	)
	mock.ExpectRollback()

	_, err := repo.SetStatus(context.Background(), "biz-1", "b1", StatusCanceled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusCancelsBooking(t *testing.T) {
	mock, repo := newMockRepo(t)
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("FOR UPDATE").WithArgs("biz-1", "b1").WillReturnRows(
		pgxmock.NewRows(bookingColumnNames).
			AddRow("b1", "biz-1", "Ana", "+15550001", "", "", "", start, nil, "booked", "tech-1", "", nil, "voice", "", false, "", nil, start, start),
	)
	mock.ExpectExec("UPDATE bookings SET status").
		WithArgs("biz-1", "b1", "canceled", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	b, err := repo.SetStatus(context.Background(), "biz-1", "b1", StatusCanceled)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
