// Package store defines the persistence contract shared by the postgres,
// mongo and memory backends.
package store

import (
	"context"
	"errors"
	"sort"

	"wallet/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when a transaction could not commit because of
	// a concurrent modification. The whole unit of work may be retried.
	ErrConflict = errors.New("transaction conflict")
	// ErrNegativeBalance is returned when a balance adjustment would take an
	// account below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
)

// SearchLimit caps the number of users returned by SearchUsers.
const SearchLimit = 50

// Tx is a unit of work over account balances. Nothing done through a Tx is
// visible to other callers until the surrounding WithinTx returns nil.
type Tx interface {
	// LockAccounts loads the accounts owned by userIDs and holds them against
	// concurrent writers until the transaction ends. Locks are taken in
	// ascending user ID order. Missing accounts are absent from the result.
	LockAccounts(ctx context.Context, userIDs ...string) (map[string]*models.Account, error)
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error
	RecordTransfer(ctx context.Context, t *models.Transfer) error
}

type AccountStore interface {
	// WithinTx runs fn in a transaction. fn returning an error rolls back
	// every change made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	AccountByUserID(ctx context.Context, userID string) (*models.Account, error)
}

type UserStore interface {
	// CreateUserWithAccount persists u and a atomically. It returns
	// ErrDuplicate when the handle is taken.
	CreateUserWithAccount(ctx context.Context, u *models.User, a *models.Account) error
	UserByHandle(ctx context.Context, handle string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, id string, upd models.ProfileUpdate) error
	SearchUsers(ctx context.Context, filter string) ([]models.UserSummary, error)
}

// Store is implemented by every backend.
type Store interface {
	AccountStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

// LockOrder returns the distinct ids in the order locks must be acquired.
func LockOrder(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
