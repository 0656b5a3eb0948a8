package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"wallet/internal/logging"
	"wallet/internal/models"
	"wallet/internal/store"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgreSQL error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, sslMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open connects to PostgreSQL, applies pending migrations and returns a
// ready Store. The caller owns Close.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := Migrate(cfg, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to postgres",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))

	return &Store{db: db, logger: logger}, nil
}

// Migrate applies every embedded migration that has not run yet. It uses its
// own connection so closing the migrator never touches the serving pool.
func Migrate(cfg Config, logger *logging.Logger) error {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("error opening migration connection: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("error loading migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{DatabaseName: cfg.Database})
	if err != nil {
		db.Close()
		return fmt.Errorf("error creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, cfg.Database, driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("error creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("no new migrations")
			return nil
		}
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUserWithAccount(ctx context.Context, u *models.User, a *models.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, handle, first_name, last_name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		u.ID, u.Handle, u.FirstName, u.LastName, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", classify(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		a.ID, a.UserID, a.Balance, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

const userColumns = `id, handle, first_name, last_name, password_hash, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Handle, &u.FirstName, &u.LastName, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) UserByHandle(ctx context.Context, handle string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = $1`, handle))
}

func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd models.ProfileUpdate) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $1,
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		upd.PasswordHash, upd.FirstName, upd.LastName, id)
	if err != nil {
		return fmt.Errorf("update user: %w", classify(err))
	}
	return expectOne(res)
}

func (s *Store) SearchUsers(ctx context.Context, filter string) ([]models.UserSummary, error) {
	pattern := "%" + escapeLike(filter) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, handle, first_name, last_name
		FROM users
		WHERE first_name ILIKE $1 OR last_name ILIKE $1
		ORDER BY last_name, first_name, id
		LIMIT $2`, pattern, store.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := make([]models.UserSummary, 0)
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.UserID, &u.Handle, &u.FirstName, &u.LastName); err != nil {
			return nil, fmt.Errorf("scan user summary: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const accountColumns = `id, user_id, balance, created_at, updated_at`

func scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", classify(err))
	}
	return &a, nil
}

func (s *Store) AccountByUserID(ctx context.Context, userID string) (*models.Account, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, store.ErrNotFound
	}
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

// WithinTx runs fn in a READ COMMITTED transaction. Isolation for balance
// changes comes from the row locks taken by LockAccounts.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

// LockAccounts issues one SELECT ... FOR UPDATE per account so the lock
// order is exactly store.LockOrder.
func (t *pgTx) LockAccounts(ctx context.Context, userIDs ...string) (map[string]*models.Account, error) {
	out := make(map[string]*models.Account, len(userIDs))
	for _, id := range store.LockOrder(userIDs...) {
		if _, err := uuid.Parse(id); err != nil {
			continue
		}

		a, err := scanAccount(t.tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", id, classify(err))
		}
		out[id] = a
	}
	return out, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $2`, delta, userID)
	if err != nil {
		return fmt.Errorf("adjust balance of %s: %w", userID, classify(err))
	}
	return expectOne(res)
}

func (t *pgTx) RecordTransfer(ctx context.Context, tr *models.Transfer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transfers (id, from_user_id, to_user_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tr.ID, tr.FromUserID, tr.ToUserID, tr.Amount, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transfer: %w", classify(err))
	}
	return nil
}

// classify maps PostgreSQL error codes onto store sentinels, keeping the
// driver message for logs.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pqErr.Detail)
	case codeCheckViolation:
		if pqErr.Constraint == "balance_non_negative" {
			return fmt.Errorf("%w: %s", store.ErrNegativeBalance, pqErr.Message)
		}
	}
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
