package bookings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/dispatch-engine/internal/technicians"
)

// DB is the subset of pgxpool.Pool used by the repository; pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

const (
	pgUniqueViolation         = "23505"
	pgSerializationFailure    = "40001"
	pgDeadlockDetected        = "40P01"
	defaultTransactionRetries = 3
)

const technicianColumns = `id, business_id, name, phone, email, home_address, active, on_call, emergency_only, priority, deleted_at`

const bookingColumns = `id, business_id, customer_name, customer_phone, customer_email, service_address, notes,
	slot_start, slot_end, status, technician_id, external_ref, idempotency_key, source_tag,
	unassigned_reason, is_emergency, call_id, deleted_at, created_at, updated_at`

// Repository is the Postgres-backed Store.
type Repository struct {
	db         DB
	maxRetries int
	onRetry    func(err error)
	now        func() time.Time
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repository backed by pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("bookings: pgx pool required")
	}
	return NewRepositoryWithDB(pool)
}

// NewRepositoryWithDB allows injecting mocks for tests.
func NewRepositoryWithDB(db DB) *Repository {
	return &Repository{
		db:         db,
		maxRetries: defaultTransactionRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithMaxRetries bounds how often a transaction body is re-run after a
// serialization failure or deadlock.
func (r *Repository) WithMaxRetries(n int) *Repository {
	if n >= 0 {
		r.maxRetries = n
	}
	return r
}

// OnRetry registers a hook invoked before each transaction retry.
func (r *Repository) OnRetry(fn func(err error)) *Repository {
	r.onRetry = fn
	return r
}

func (r *Repository) Technicians(ctx context.Context, businessID string) ([]technicians.Technician, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+technicianColumns+`
		FROM technicians
		WHERE business_id = $1 AND active AND deleted_at IS NULL
		ORDER BY priority DESC, id
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("bookings: list technicians: %w", err)
	}
	return collectTechnicians(rows)
}

func (r *Repository) BookingsBetween(ctx context.Context, businessID string, from, to time.Time) ([]Booking, error) {
	return bookingsBetween(ctx, r.db, businessID, from, to)
}

func (r *Repository) BookingByID(ctx context.Context, businessID, id string) (*Booking, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE business_id = $1 AND id = $2 AND deleted_at IS NULL
	`, businessID, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: load by id: %w", err)
	}
	return b, nil
}

func (r *Repository) BookingByIdempotencyKey(ctx context.Context, businessID, key string) (*Booking, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE business_id = $1 AND idempotency_key = $2 AND deleted_at IS NULL
	`, businessID, key)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: load by idempotency key: %w", err)
	}
	return b, nil
}

func (r *Repository) UpcomingByPhone(ctx context.Context, businessID, phone string, from, to time.Time) ([]Booking, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE business_id = $1
		  AND customer_phone = $2
		  AND status IN ('pending', 'booked')
		  AND deleted_at IS NULL
		  AND slot_start >= $3 AND slot_start < $4
		ORDER BY slot_start, id
	`, businessID, NormalizePhone(phone), from, to)
	if err != nil {
		return nil, fmt.Errorf("bookings: upcoming by phone: %w", err)
	}
	return collectBookings(rows)
}

func (r *Repository) SetStatus(ctx context.Context, businessID, id string, to Status) (*Booking, error) {
	var out *Booking
	err := r.runTx(ctx, func(tx Tx) error {
		ptx := tx.(*pgTx)
		row := ptx.tx.QueryRow(ctx, `
			SELECT `+bookingColumns+`
			FROM bookings
			WHERE business_id = $1 AND id = $2 AND deleted_at IS NULL
			FOR UPDATE
		`, businessID, id)
		b, err := scanBooking(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("bookings: lock booking: %w", err)
		}
		if b.Status == to {
			out = b
			return nil
		}
		if !CanTransition(b.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
		}
		b.Status = to
		b.UpdatedAt = r.now()
		if _, err := ptx.tx.Exec(ctx, `
			UPDATE bookings SET status = $3, updated_at = $4
			WHERE business_id = $1 AND id = $2
		`, businessID, id, string(to), b.UpdatedAt); err != nil {
			return fmt.Errorf("bookings: update status: %w", err)
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) SetExternalRef(ctx context.Context, businessID, id, ref string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET external_ref = $3, updated_at = $4
		WHERE business_id = $1 AND id = $2
	`, businessID, id, ref, r.now())
	if err != nil {
		return fmt.Errorf("bookings: set external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InTx runs fn under read committed isolation, re-running the whole body
// when Postgres reports a serialization failure or deadlock.
func (r *Repository) InTx(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		if r.onRetry != nil {
			r.onRetry(err)
		}
	}
	return fmt.Errorf("bookings: transaction retries exhausted: %w", err)
}

func (r *Repository) runTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("bookings: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, now: r.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bookings: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *pgTx) LockTechnicians(ctx context.Context, businessID string) ([]technicians.Technician, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+technicianColumns+`
		FROM technicians
		WHERE business_id = $1 AND active AND deleted_at IS NULL
		ORDER BY id
		FOR UPDATE
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("bookings: lock technicians: %w", err)
	}
	techs, err := collectTechnicians(rows)
	if err != nil {
		return nil, err
	}
	technicians.RankByPriority(techs)
	return techs, nil
}

func (t *pgTx) BookingsBetween(ctx context.Context, businessID string, from, to time.Time) ([]Booking, error) {
	return bookingsBetween(ctx, t.tx, businessID, from, to)
}

func (t *pgTx) InsertBooking(ctx context.Context, b *Booking) error {
	now := t.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		b.ID, b.BusinessID, b.CustomerName, NormalizePhone(b.CustomerPhone), b.CustomerEmail, b.ServiceAddress, b.Notes,
		b.SlotStart, toPGNullableTime(b.SlotEnd), string(b.Status), toPGText(b.TechnicianID), b.ExternalRef, toPGText(b.IdempotencyKey), b.SourceTag,
		b.UnassignedReason, b.IsEmergency, b.CallID, toPGNullableTime(b.DeletedAt), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("bookings: insert: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBooking(ctx context.Context, b *Booking) error {
	b.UpdatedAt = t.now()
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET customer_name = $3, customer_email = $4, service_address = $5, notes = $6,
		    slot_start = $7, slot_end = $8, status = $9, technician_id = $10,
		    unassigned_reason = $11, is_emergency = $12, updated_at = $13
		WHERE business_id = $1 AND id = $2
	`,
		b.BusinessID, b.ID, b.CustomerName, b.CustomerEmail, b.ServiceAddress, b.Notes,
		b.SlotStart, toPGNullableTime(b.SlotEnd), string(b.Status), toPGText(b.TechnicianID),
		b.UnassignedReason, b.IsEmergency, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("bookings: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func bookingsBetween(ctx context.Context, q querier, businessID string, from, to time.Time) ([]Booking, error) {
	rows, err := q.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE business_id = $1
		  AND deleted_at IS NULL
		  AND slot_start >= $2 AND slot_start < $3
		ORDER BY slot_start, id
	`, businessID, from, to)
	if err != nil {
		return nil, fmt.Errorf("bookings: list between: %w", err)
	}
	return collectBookings(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (*Booking, error) {
	var (
		b              Booking
		status         string
		slotEnd        pgtype.Timestamptz
		technicianID   pgtype.Text
		idempotencyKey pgtype.Text
		deletedAt      pgtype.Timestamptz
	)
	if err := row.Scan(
		&b.ID, &b.BusinessID, &b.CustomerName, &b.CustomerPhone, &b.CustomerEmail, &b.ServiceAddress, &b.Notes,
		&b.SlotStart, &slotEnd, &status, &technicianID, &b.ExternalRef, &idempotencyKey, &b.SourceTag,
		&b.UnassignedReason, &b.IsEmergency, &b.CallID, &deletedAt, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.SlotEnd = fromPGTime(slotEnd)
	b.DeletedAt = fromPGTime(deletedAt)
	b.TechnicianID = technicianID.String
	b.IdempotencyKey = idempotencyKey.String
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]Booking, error) {
	defer rows.Close()
	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("bookings: scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func collectTechnicians(rows pgx.Rows) ([]technicians.Technician, error) {
	defer rows.Close()
	var out []technicians.Technician
	for rows.Next() {
		var (
			t         technicians.Technician
			deletedAt pgtype.Timestamptz
		)
		if err := rows.Scan(
			&t.ID, &t.BusinessID, &t.Name, &t.Phone, &t.Email, &t.HomeAddress,
			&t.Active, &t.OnCall, &t.EmergencyOnly, &t.Priority, &deletedAt,
		); err != nil {
			return nil, fmt.Errorf("bookings: scan technician: %w", err)
		}
		t.DeletedAt = fromPGTime(deletedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func toPGText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func toPGNullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{
		Time:  *t,
		Valid: true,
	}
}

func fromPGTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
