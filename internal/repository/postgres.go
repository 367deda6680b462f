package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"
)

// customerRefIndex is the unique index guarding one principal per billing customer.
const customerRefIndex = "idx_entitlements_billing_customer_ref"

// PostgresStore implements Store on PostgreSQL. Ledger mutations run in a
// transaction that row-locks the principal's entitlement with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle (driver "pgx").
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entitlementColumns = `principal_id, free_usage_count, credits, tier,
	COALESCE(billing_customer_ref, ''), COALESCE(billing_subscription_ref, ''),
	version, created_at, updated_at`

const principalColumns = `id, email, first_name, last_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (*domain.EntitlementRecord, error) {
	var rec domain.EntitlementRecord
	var tier string
	err := row.Scan(
		&rec.PrincipalID, &rec.FreeUsageCount, &rec.Credits, &tier,
		&rec.BillingCustomerRef, &rec.BillingSubscriptionRef,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Tier = domain.Tier(tier)
	return &rec, nil
}

func scanPrincipal(row rowScanner) (*domain.Principal, error) {
	var p domain.Principal
	if err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapCommitError(err)
	}
	return nil
}

// ensureTx creates the principal and default entitlement rows if absent.
func ensureTx(ctx context.Context, tx *sql.Tx, principalID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO principals (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, principalID); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entitlements (principal_id) VALUES ($1) ON CONFLICT (principal_id) DO NOTHING`, principalID); err != nil {
		return mapError(err)
	}
	return nil
}

// =============================================================================
// Principals
// =============================================================================

func (s *PostgresStore) EnsurePrincipal(ctx context.Context, principalID string) (*domain.Principal, error) {
	var p *domain.Principal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureTx(ctx, tx, principalID); err != nil {
			return err
		}
		var err error
		p, err = scanPrincipal(tx.QueryRowContext(ctx,
			`SELECT `+principalColumns+` FROM principals WHERE id = $1`, principalID))
		return mapError(err)
	})
	return p, err
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile domain.Profile) (*domain.Principal, error) {
	var p *domain.Principal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = scanPrincipal(tx.QueryRowContext(ctx, `
			INSERT INTO principals (id, email, first_name, last_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET email = EXCLUDED.email,
			    first_name = EXCLUDED.first_name,
			    last_name = EXCLUDED.last_name,
			    updated_at = NOW()
			RETURNING `+principalColumns,
			profile.ID, profile.Email, profile.FirstName, profile.LastName))
		if err != nil {
			return mapError(err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entitlements (principal_id) VALUES ($1) ON CONFLICT (principal_id) DO NOTHING`, profile.ID)
		return mapError(err)
	})
	return p, err
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, principalID string) (*domain.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = $1`, principalID))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func (s *PostgresStore) ListPrincipals(ctx context.Context) ([]domain.PrincipalSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.email, p.first_name, p.last_name, p.created_at, p.updated_at,
		       e.free_usage_count, e.credits, e.tier,
		       COALESCE(e.billing_customer_ref, ''), COALESCE(e.billing_subscription_ref, ''),
		       e.version, e.created_at, e.updated_at,
		       (SELECT COUNT(*) FROM stories st WHERE st.principal_id = p.id)
		FROM principals p
		JOIN entitlements e ON e.principal_id = p.id
		ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.PrincipalSummary
	for rows.Next() {
		var sum domain.PrincipalSummary
		var tier string
		p := &sum.Principal
		e := &sum.Entitlement
		if err := rows.Scan(
			&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.CreatedAt, &p.UpdatedAt,
			&e.FreeUsageCount, &e.Credits, &tier,
			&e.BillingCustomerRef, &e.BillingSubscriptionRef,
			&e.Version, &e.CreatedAt, &e.UpdatedAt,
			&sum.StoriesGenerated,
		); err != nil {
			return nil, mapError(err)
		}
		e.PrincipalID = p.ID
		e.Tier = domain.Tier(tier)
		out = append(out, sum)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// Entitlements
// =============================================================================

func (s *PostgresStore) Entitlement(ctx context.Context, principalID string) (*domain.EntitlementRecord, error) {
	var rec *domain.EntitlementRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureTx(ctx, tx, principalID); err != nil {
			return err
		}
		var err error
		rec, err = scanEntitlement(tx.QueryRowContext(ctx,
			`SELECT `+entitlementColumns+` FROM entitlements WHERE principal_id = $1`, principalID))
		return mapError(err)
	})
	return rec, err
}

func (s *PostgresStore) Update(ctx context.Context, principalID string, fn Mutation) (*domain.EntitlementRecord, error) {
	var out *domain.EntitlementRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureTx(ctx, tx, principalID); err != nil {
			return err
		}
		var err error
		out, err = applyTx(ctx, tx, principalID, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyTx locks the row, runs fn and writes the result back with a bumped version.
func applyTx(ctx context.Context, tx *sql.Tx, principalID string, fn Mutation) (*domain.EntitlementRecord, error) {
	rec, err := scanEntitlement(tx.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE principal_id = $1 FOR UPDATE`, principalID))
	if err != nil {
		return nil, mapError(err)
	}

	before := rec.BillingCustomerRef
	usage, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if before != "" && rec.BillingCustomerRef != before {
		return nil, domain.ErrConflictingLink
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE entitlements
		SET free_usage_count = $2,
		    credits = $3,
		    tier = $4,
		    billing_customer_ref = $5,
		    billing_subscription_ref = $6,
		    version = version + 1,
		    updated_at = NOW()
		WHERE principal_id = $1
		RETURNING version, updated_at`,
		principalID, rec.FreeUsageCount, rec.Credits, string(rec.Tier),
		nullString(rec.BillingCustomerRef), nullString(rec.BillingSubscriptionRef),
	).Scan(&rec.Version, &rec.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	if usage != nil {
		if err := insertUsage(ctx, tx, usage); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *PostgresStore) ResolveCustomer(ctx context.Context, customerRef string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id FROM entitlements WHERE billing_customer_ref = $1`, customerRef).Scan(&id)
	if err != nil {
		return "", mapError(err)
	}
	return id, nil
}

// =============================================================================
// Usage audit
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUsage(ctx context.Context, db execer, u *domain.UsageRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO usage_records (id, principal_id, outcome, kind, free_usage_count, credits, tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.PrincipalID, string(u.Outcome), string(u.Kind),
		u.FreeUsageCount, u.Credits, string(u.Tier), u.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) AppendUsage(ctx context.Context, rec *domain.UsageRecord) error {
	return insertUsage(ctx, s.db, rec)
}

func (s *PostgresStore) UsageHistory(ctx context.Context, principalID string, limit int) ([]domain.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, outcome, kind, free_usage_count, credits, tier, created_at
		FROM (
			SELECT * FROM usage_records WHERE principal_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`, principalID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord
		var outcome, kind, tier string
		if err := rows.Scan(&u.ID, &u.PrincipalID, &outcome, &kind, &u.FreeUsageCount, &u.Credits, &tier, &u.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		u.Outcome = domain.UsageOutcome(outcome)
		u.Kind = domain.ConsumeKind(kind)
		u.Tier = domain.Tier(tier)
		out = append(out, u)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// Billing events
// =============================================================================

func (s *PostgresStore) ApplyBillingEvent(ctx context.Context, receipt domain.BillingReceipt, fn Mutation) (*domain.EntitlementRecord, error) {
	var out *domain.EntitlementRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Concurrent deliveries of the same id block here on the primary
		// key until the first transaction settles.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO billing_events (id, type, customer_ref, principal_id, payload, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			receipt.EventID, string(receipt.Type), receipt.CustomerRef, receipt.PrincipalID,
			pqtype.NullRawMessage{RawMessage: receipt.Payload, Valid: len(receipt.Payload) > 0},
			receipt.ProcessedAt)
		if err != nil {
			return mapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError(err)
		}
		if n == 0 {
			return ErrDuplicateEvent
		}

		if err := ensureTx(ctx, tx, receipt.PrincipalID); err != nil {
			return err
		}
		out, err = applyTx(ctx, tx, receipt.PrincipalID, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) PruneBillingEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM billing_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, mapError(err)
	}
	n, err := res.RowsAffected()
	return n, mapError(err)
}

// =============================================================================
// Stories
// =============================================================================

const storyColumns = `id, principal_id, child_name, favorite_animal, moral_lesson,
	story_text, image_url, reading_time_minutes, created_at`

func scanStory(row rowScanner) (*domain.Story, error) {
	var st domain.Story
	err := row.Scan(&st.ID, &st.PrincipalID, &st.ChildName, &st.FavoriteAnimal, &st.MoralLesson,
		&st.Text, &st.ImageURL, &st.ReadingTimeMinutes, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) CreateStory(ctx context.Context, st *domain.Story) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (`+storyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		st.ID, st.PrincipalID, st.ChildName, st.FavoriteAnimal, st.MoralLesson,
		st.Text, st.ImageURL, st.ReadingTimeMinutes, st.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) ListStories(ctx context.Context, principalID string, limit int) ([]domain.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE principal_id = $1 ORDER BY created_at DESC LIMIT NULLIF($2, 0)`,
		principalID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.Story, 0)
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *st)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) GetStory(ctx context.Context, id uuid.UUID) (*domain.Story, error) {
	st, err := scanStory(s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
}

func (s *PostgresStore) CountStories(ctx context.Context, principalID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories WHERE principal_id = $1`, principalID).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE tier = 'unlimited'),
		       COUNT(*) FILTER (WHERE tier = 'payperuse'),
		       COUNT(*) FILTER (WHERE tier = 'free'),
		       (SELECT COUNT(*) FROM stories)
		FROM entitlements`).Scan(
		&st.TotalPrincipals, &st.UnlimitedPrincipals, &st.PayPerUsePrincipals,
		&st.FreePrincipals, &st.TotalStories)
	if err != nil {
		return domain.Stats{}, mapError(err)
	}
	st.ComputePercentage()
	return st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Helpers
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapError translates driver errors into the package's sentinel errors.
// mapCommitError only reports serialization and deadlock failures as
// transient; Postgres aborts the transaction for both. A commit that fails any
// other way, a dropped connection in particular, may still have been applied,
// so it must not be retried.
func mapCommitError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrTransient, pgErr.Message)
	}
	return fmt.Errorf("commit outcome unknown: %w", err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == customerRefIndex:
			return ErrCustomerLinked
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return fmt.Errorf("%w: %s", ErrTransient, pgErr.Message)
		}
	}
	return err
}
