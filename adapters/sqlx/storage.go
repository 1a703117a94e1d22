// Package sqlx stores rewards state in PostgreSQL or MySQL through sqlx.
package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"yieldkit/core"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Config holds database connection settings.
type Config struct {
	Driver          Driver        `json:"driver" mapstructure:"driver" env:"YIELD_STORAGE_SQL_DRIVER"`
	DSN             string        `json:"dsn" mapstructure:"dsn" env:"YIELD_STORAGE_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DefaultConfig returns local development settings for driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	switch driver {
	case DriverMySQL:
		cfg.DSN = "root@tcp(localhost:3306)/yieldkit?parseTime=true"
	default:
		cfg.Driver = DriverPostgres
		cfg.DSN = "postgres://postgres@localhost:5432/yieldkit?sslmode=disable"
	}
	return cfg
}

// Store implements the engine.Storage interface on a relational database.
// Every mutation runs in a transaction that locks the affected row.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens and pings the database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverMySQL {
		return nil, fmt.Errorf("%w: unsupported sql driver %q", core.ErrConfiguration, cfg.Driver)
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	return NewWithDB(db, cfg.Driver), nil
}

// NewWithDB wraps an existing connection (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.driver == DriverMySQL {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT PRIMARY KEY,
		points BIGINT NOT NULL DEFAULT 0,
		tasks_completed BIGINT NOT NULL DEFAULT 0,
		active_referrals BIGINT NOT NULL DEFAULT 0,
		cached_tier INTEGER NULL,
		welcome_shown BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS referrals (
		referred_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		activated_at TIMESTAMPTZ NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL,
		points BIGINT NOT NULL,
		description TEXT NOT NULL,
		source_event_id TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS commissions_referrer_idx ON commissions (referrer_id, created_at)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id VARCHAR(191) PRIMARY KEY,
		points BIGINT NOT NULL DEFAULT 0,
		tasks_completed BIGINT NOT NULL DEFAULT 0,
		active_referrals BIGINT NOT NULL DEFAULT 0,
		cached_tier INT NULL,
		welcome_shown BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS referrals (
		referred_id VARCHAR(191) PRIMARY KEY,
		referrer_id VARCHAR(191) NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		activated_at DATETIME(6) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commissions (
		id VARCHAR(64) PRIMARY KEY,
		referrer_id VARCHAR(191) NOT NULL,
		referred_id VARCHAR(191) NOT NULL,
		points BIGINT NOT NULL,
		description TEXT NOT NULL,
		source_event_id VARCHAR(191) NOT NULL UNIQUE,
		created_at DATETIME(6) NOT NULL,
		INDEX commissions_referrer_idx (referrer_id, created_at)
	)`,
}

type statsRow struct {
	UserID          string        `db:"user_id"`
	Points          int64         `db:"points"`
	TasksCompleted  int64         `db:"tasks_completed"`
	ActiveReferrals int64         `db:"active_referrals"`
	CachedTier      sql.NullInt64 `db:"cached_tier"`
	WelcomeShown    bool          `db:"welcome_shown"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

type referralRow struct {
	ReferredID  string       `db:"referred_id"`
	ReferrerID  string       `db:"referrer_id"`
	Status      string       `db:"status"`
	CreatedAt   time.Time    `db:"created_at"`
	ActivatedAt sql.NullTime `db:"activated_at"`
}

func (r referralRow) toReferral() core.Referral {
	ref := core.Referral{
		ReferrerID: core.UserID(r.ReferrerID),
		ReferredID: core.UserID(r.ReferredID),
		Status:     core.ReferralStatus(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.ActivatedAt.Valid {
		at := r.ActivatedAt.Time.UTC()
		ref.ActivatedAt = &at
	}
	return ref
}

func (s *Store) GetState(ctx context.Context, user core.UserID) (core.UserState, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT user_id, points, tasks_completed, active_referrals, cached_tier, welcome_shown, updated_at
		 FROM user_stats WHERE user_id = ?`), user)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewUserState(user), nil
	}
	if err != nil {
		return core.UserState{}, fmt.Errorf("get state: %w", err)
	}
	state := core.UserState{
		Stats: core.UserStats{
			UserID:          user,
			Points:          row.Points,
			TasksCompleted:  row.TasksCompleted,
			ActiveReferrals: row.ActiveReferrals,
		},
		PhoenixWelcomeShown: row.WelcomeShown,
		Updated:             row.UpdatedAt.UTC(),
	}
	if row.CachedTier.Valid {
		state.CachedTier = core.TierPtr(core.TierID(row.CachedTier.Int64))
	}
	return state, nil
}

func (s *Store) AddPoints(ctx context.Context, user core.UserID, delta int64) (int64, error) {
	if delta == 0 {
		return 0, errors.New("delta cannot be zero")
	}
	return s.addToCounter(ctx, user, "points", delta)
}

func (s *Store) IncrementTasks(ctx context.Context, user core.UserID) (int64, error) {
	return s.addToCounter(ctx, user, "tasks_completed", 1)
}

// addToCounter adds delta to one of the fixed counter columns.
func (s *Store) addToCounter(ctx context.Context, user core.UserID, column string, delta int64) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ensureUser(ctx, tx, user); err != nil {
			return err
		}
		var current int64
		if err := tx.GetContext(ctx, &current, tx.Rebind(
			fmt.Sprintf(`SELECT %s FROM user_stats WHERE user_id = ? FOR UPDATE`, column)), user); err != nil {
			return err
		}
		next, err := core.AddSafe(current, delta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			fmt.Sprintf(`UPDATE user_stats SET %s = ?, updated_at = ? WHERE user_id = ?`, column)),
			next, time.Now().UTC(), user); err != nil {
			return err
		}
		total = next
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", column, err)
	}
	return total, nil
}

func (s *Store) SwapLevel(ctx context.Context, user core.UserID, tier core.TierID) (*core.TierID, error) {
	var prev *core.TierID
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ensureUser(ctx, tx, user); err != nil {
			return err
		}
		var current sql.NullInt64
		if err := tx.GetContext(ctx, &current, tx.Rebind(
			`SELECT cached_tier FROM user_stats WHERE user_id = ? FOR UPDATE`), user); err != nil {
			return err
		}
		if current.Valid {
			prev = core.TierPtr(core.TierID(current.Int64))
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE user_stats SET cached_tier = ?, updated_at = ? WHERE user_id = ?`),
			int64(tier), time.Now().UTC(), user)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("swap level: %w", err)
	}
	return prev, nil
}

func (s *Store) MarkWelcomeShown(ctx context.Context, user core.UserID) (bool, error) {
	var already bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ensureUser(ctx, tx, user); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &already, tx.Rebind(
			`SELECT welcome_shown FROM user_stats WHERE user_id = ? FOR UPDATE`), user); err != nil {
			return err
		}
		if already {
			return nil
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE user_stats SET welcome_shown = ?, updated_at = ? WHERE user_id = ?`),
			true, time.Now().UTC(), user)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark welcome: %w", err)
	}
	return already, nil
}

func (s *Store) LinkReferral(ctx context.Context, ref core.Referral) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO referrals (referred_id, referrer_id, status, created_at) VALUES (?, ?, ?, ?)`),
		ref.ReferredID, ref.ReferrerID, string(ref.Status), ref.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return core.ErrReferralExists
	}
	if err != nil {
		return fmt.Errorf("link referral: %w", err)
	}
	return nil
}

func (s *Store) GetReferral(ctx context.Context, referred core.UserID) (core.Referral, error) {
	var row referralRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT referred_id, referrer_id, status, created_at, activated_at FROM referrals WHERE referred_id = ?`), referred)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Referral{}, core.ErrNotFound
	}
	if err != nil {
		return core.Referral{}, fmt.Errorf("get referral: %w", err)
	}
	return row.toReferral(), nil
}

func (s *Store) ActivateReferral(ctx context.Context, referred core.UserID, at time.Time) (bool, error) {
	activated := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row referralRow
		err := tx.GetContext(ctx, &row, tx.Rebind(
			`SELECT referred_id, referrer_id, status, created_at, activated_at FROM referrals WHERE referred_id = ? FOR UPDATE`), referred)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		if core.ReferralStatus(row.Status) == core.ReferralActive {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE referrals SET status = ?, activated_at = ? WHERE referred_id = ?`),
			string(core.ReferralActive), at.UTC(), referred); err != nil {
			return err
		}
		referrer := core.UserID(row.ReferrerID)
		if err := s.ensureUser(ctx, tx, referrer); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE user_stats SET active_referrals = active_referrals + 1, updated_at = ? WHERE user_id = ?`),
			time.Now().UTC(), referrer); err != nil {
			return err
		}
		activated = true
		return nil
	})
	if errors.Is(err, core.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("activate referral: %w", err)
	}
	return activated, nil
}

func (s *Store) CreditCommission(ctx context.Context, entry core.CommissionTransaction) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO commissions (id, referrer_id, referred_id, points, description, source_event_id, created_at)
			 VALUES (:id, :referrer_id, :referred_id, :points, :description, :source_event_id, :created_at)`, entry)
		if isUniqueViolation(err) {
			return core.ErrDuplicateCommission
		}
		if err != nil {
			return err
		}
		if err := s.ensureUser(ctx, tx, entry.ReferrerID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE user_stats SET points = points + ?, updated_at = ? WHERE user_id = ?`),
			entry.Points, time.Now().UTC(), entry.ReferrerID)
		return err
	})
	if errors.Is(err, core.ErrDuplicateCommission) {
		return err
	}
	if err != nil {
		return fmt.Errorf("credit commission: %w", err)
	}
	return nil
}

func (s *Store) Commissions(ctx context.Context, referrer core.UserID) ([]core.CommissionTransaction, error) {
	out := []core.CommissionTransaction{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT id, referrer_id, referred_id, points, description, source_event_id, created_at
		 FROM commissions WHERE referrer_id = ? ORDER BY created_at DESC`), referrer)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	return out, nil
}

// ensureUser inserts an empty stats row if none exists.
func (s *Store) ensureUser(ctx context.Context, tx *sqlx.Tx, user core.UserID) error {
	query := `INSERT INTO user_stats (user_id, updated_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`
	if s.driver == DriverMySQL {
		query = `INSERT IGNORE INTO user_stats (user_id, updated_at) VALUES (?, ?)`
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(query), user, time.Now().UTC())
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation recognises duplicate-key errors of both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
