package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // migrate driver on modernc sqlite
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/okian/ritual/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	driverSQLite = "sqlite"
	// maxCASAttempts bounds how often a mutation re-reads after losing a version race.
	maxCASAttempts = 8
	timeLayout     = time.RFC3339Nano
)

// SQLiteStore is a durable Store on modernc.org/sqlite. Cycles are stored
// as JSON documents and every mutation is a compare-and-swap on version.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if err := runMigrations(path); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverSQLite, path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &SQLiteStore{db: db, opts: o}, nil
}

func runMigrations(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCouple(ctx context.Context, c *model.Couple) (err error) {
	defer func(start time.Time) { observe(driverSQLite, "create_couple", start, err) }(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var taken int
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM couples WHERE partner_one_id IN (?, ?) OR partner_two_id IN (?, ?)`,
		c.PartnerOneID, c.PartnerTwoID, c.PartnerOneID, c.PartnerTwoID)
	if err := row.Scan(&taken); err != nil {
		return fmt.Errorf("check partners: %w", err)
	}
	if taken > 0 {
		return ErrCoupleExists
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.opts.now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO couples (id, partner_one_id, partner_two_id, location, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.PartnerOneID, c.PartnerTwoID, c.Location, createdAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert couple: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetCouple(ctx context.Context, id string) (*model.Couple, error) {
	return s.queryCouple(ctx, `SELECT id, partner_one_id, partner_two_id, location, created_at FROM couples WHERE id = ?`, id)
}

func (s *SQLiteStore) CoupleForUser(ctx context.Context, userID string) (*model.Couple, error) {
	return s.queryCouple(ctx,
		`SELECT id, partner_one_id, partner_two_id, location, created_at FROM couples WHERE partner_one_id = ? OR partner_two_id = ?`,
		userID, userID)
}

func (s *SQLiteStore) queryCouple(ctx context.Context, query string, args ...any) (*model.Couple, error) {
	var (
		c         model.Couple
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.ID, &c.PartnerOneID, &c.PartnerTwoID, &c.Location, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query couple: %w", err)
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse couple created_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) GetOrCreateCycle(ctx context.Context, coupleID string, weekStart time.Time) (*model.WeeklyCycle, error) {
	start := time.Now()
	if _, err := s.GetCouple(ctx, coupleID); err != nil {
		observe(driverSQLite, "get_or_create_cycle", start, err)
		return nil, err
	}
	c := newCycle(coupleID, weekStart, s.opts.now())
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cycle: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, couple_id, week_start, version, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (couple_id, week_start) DO NOTHING`,
		c.ID, coupleID, weekKey(weekStart), c.Version, string(data), c.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		observe(driverSQLite, "get_or_create_cycle", start, err)
		return nil, fmt.Errorf("insert cycle: %w", err)
	}
	created, _ := res.RowsAffected()

	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM cycles WHERE couple_id = ? AND week_start = ?`, coupleID, weekKey(weekStart)).Scan(&raw)
	if err != nil {
		observe(driverSQLite, "get_or_create_cycle", start, err)
		return nil, fmt.Errorf("read cycle: %w", err)
	}
	out, err := decodeCycle(raw)
	observe(driverSQLite, "get_or_create_cycle", start, err)
	if err != nil {
		return nil, err
	}
	if created == 1 {
		s.notify(ctx, out)
	}
	return out, nil
}

func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*model.WeeklyCycle, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM cycles WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cycle: %w", err)
	}
	return decodeCycle(raw)
}

func (s *SQLiteStore) ListCycles(ctx context.Context, coupleID string, limit int) ([]*model.WeeklyCycle, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM cycles WHERE couple_id = ? ORDER BY week_start DESC LIMIT ?`, coupleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	out := make([]*model.WeeklyCycle, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c, err := decodeCycle(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SubmitInput(ctx context.Context, id string, slot model.PartnerSlot, input model.PartnerInput) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "submit_input", id, submitInput(slot, input))
}

func (s *SQLiteStore) ClaimGeneration(ctx context.Context, id, token string, now time.Time, staleAfter time.Duration) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "claim_generation", id, claimGeneration(token, now, staleAfter))
}

func (s *SQLiteStore) WriteProposals(ctx context.Context, id string, proposals []model.Proposal) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "write_proposals", id, writeProposals(proposals))
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id, token string, failure *model.GenerationFailure) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "release_claim", id, releaseClaim(token, failure))
}

func (s *SQLiteStore) ReplaceProposal(ctx context.Context, id, oldTitle string, p model.Proposal) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "replace_proposal", id, replaceProposal(oldTitle, p))
}

func (s *SQLiteStore) SetPreferences(ctx context.Context, id string, slot model.PartnerSlot, prefs []model.RitualPreference) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "set_preferences", id, setPreferences(slot, prefs))
}

func (s *SQLiteStore) SetAvailability(ctx context.Context, id string, slot model.PartnerSlot, slots []model.AvailabilitySlot) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "set_availability", id, setAvailability(slot, slots))
}

func (s *SQLiteStore) CommitAgreement(ctx context.Context, id string, version int64, a *model.Agreement) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "commit_agreement", id, commitAgreement(version, a))
}

func (s *SQLiteStore) SetAgreedHour(ctx context.Context, id string, hour int) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "set_agreed_hour", id, setAgreedHour(hour))
}

func (s *SQLiteStore) RecordConflict(ctx context.Context, id string, version int64, conflict string) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "record_conflict", id, recordConflict(version, conflict))
}

func (s *SQLiteStore) RecordCompletion(ctx context.Context, c *model.Completion) (err error) {
	defer func(start time.Time) { observe(driverSQLite, "record_completion", start, err) }(time.Now())

	cycle, err := s.GetCycle(ctx, c.CycleID)
	if err != nil {
		return err
	}
	if cycle.CoupleID != c.CoupleID {
		return ErrNotFound
	}
	if !cycle.Agreed() {
		return ErrNotAgreed
	}
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.opts.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (cycle_id, couple_id, title, rating, completed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (cycle_id) DO NOTHING`,
		c.CycleID, c.CoupleID, c.Title, c.Rating, completedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

func (s *SQLiteStore) ListCompletions(ctx context.Context, coupleID string) ([]model.Completion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, couple_id, title, rating, completed_at FROM completions WHERE couple_id = ? ORDER BY completed_at`,
		coupleID)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Completion, 0)
	for rows.Next() {
		var (
			c           model.Completion
			completedAt string
		)
		if err := rows.Scan(&c.CycleID, &c.CoupleID, &c.Title, &c.Rating, &completedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		if c.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// mutate re-reads and re-applies fn until its versioned UPDATE wins.
// A lost race re-evaluates the guards against the winner's state.
func (s *SQLiteStore) mutate(ctx context.Context, op, id string, fn mutation) (out *model.WeeklyCycle, err error) {
	defer func(start time.Time) { observe(driverSQLite, op, start, err) }(time.Now())

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetCycle(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.opts.now()
		work := current.Clone()
		changed, err := fn(work, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return work, nil
		}
		work.Version = current.Version + 1
		work.UpdatedAt = now

		data, err := json.Marshal(work)
		if err != nil {
			return nil, fmt.Errorf("encode cycle: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE cycles SET data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
			string(data), work.Version, now.UTC().Format(timeLayout), id, current.Version)
		if err != nil {
			return nil, fmt.Errorf("update cycle: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.notify(ctx, work)
			return work.Clone(), nil
		}
	}
	return nil, ErrConflict
}

func (s *SQLiteStore) notify(ctx context.Context, c *model.WeeklyCycle) {
	if s.opts.hook != nil {
		s.opts.hook(ctx, c.ID, c.Version)
	}
}

func decodeCycle(raw string) (*model.WeeklyCycle, error) {
	var c model.WeeklyCycle
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode cycle: %w", err)
	}
	return &c, nil
}
