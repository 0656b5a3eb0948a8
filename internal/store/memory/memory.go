// Package memory is an in-process store.Store. Each account carries its own
// lock, so transfers over disjoint accounts never wait on each other.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wallet/internal/models"
	"wallet/internal/store"

	"github.com/shopspring/decimal"
)

var errClosed = errors.New("memory store is closed")

func now() time.Time { return time.Now().UTC() }

type account struct {
	// lock is held by at most one transaction at a time.
	lock chan struct{}

	mu   sync.RWMutex
	data models.Account
}

func newAccount(a models.Account) *account {
	return &account{lock: make(chan struct{}, 1), data: a}
}

func (a *account) acquire(ctx context.Context) error {
	select {
	case a.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for account lock: %w: %w", store.ErrConflict, ctx.Err())
	}
}

func (a *account) release() { <-a.lock }

func (a *account) snapshot() models.Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data
}

type Store struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	byHandle  map[string]string
	accounts  map[string]*account
	transfers []models.Transfer
	closed    atomic.Bool
}

func New() *Store {
	return &Store{
		users:    make(map[string]*models.User),
		byHandle: make(map[string]string),
		accounts: make(map[string]*account),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) CreateUserWithAccount(ctx context.Context, u *models.User, a *models.Account) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHandle[u.Handle]; ok {
		return fmt.Errorf("handle %q: %w", u.Handle, store.ErrDuplicate)
	}
	if _, ok := s.accounts[a.UserID]; ok {
		return fmt.Errorf("account for user %s: %w", a.UserID, store.ErrDuplicate)
	}

	cp := *u
	s.users[u.ID] = &cp
	s.byHandle[u.Handle] = u.ID
	s.accounts[a.UserID] = newAccount(*a)
	return nil
}

func (s *Store) UserByHandle(ctx context.Context, handle string) (*models.User, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHandle[handle]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd models.ProfileUpdate) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = upd.PasswordHash
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	u.UpdatedAt = now()
	return nil
}

func (s *Store) SearchUsers(ctx context.Context, filter string) ([]models.UserSummary, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	needle := strings.ToLower(filter)

	s.mu.RLock()
	out := make([]models.UserSummary, 0)
	for _, u := range s.users {
		if strings.Contains(strings.ToLower(u.FirstName), needle) ||
			strings.Contains(strings.ToLower(u.LastName), needle) {
			out = append(out, models.UserSummary{
				UserID:    u.ID,
				Handle:    u.Handle,
				FirstName: u.FirstName,
				LastName:  u.LastName,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > store.SearchLimit {
		out = out[:store.SearchLimit]
	}
	return out, nil
}

func (s *Store) AccountByUserID(ctx context.Context, userID string) (*models.Account, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	a := s.account(userID)
	if a == nil {
		return nil, store.ErrNotFound
	}
	snap := a.snapshot()
	return &snap, nil
}

// Transfers returns a copy of every recorded transfer in commit order.
func (s *Store) Transfers() []models.Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *Store) account(userID string) *account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[userID]
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	tx := &memTx{
		s:      s,
		held:   make(map[string]*account),
		deltas: make(map[string]decimal.Decimal),
	}
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	tx.commit()
	return nil
}

type memTx struct {
	s         *Store
	order     []*account
	held      map[string]*account
	deltas    map[string]decimal.Decimal
	transfers []models.Transfer
}

func (tx *memTx) LockAccounts(ctx context.Context, userIDs ...string) (map[string]*models.Account, error) {
	out := make(map[string]*models.Account, len(userIDs))
	for _, id := range store.LockOrder(userIDs...) {
		a, ok := tx.held[id]
		if !ok {
			a = tx.s.account(id)
			if a == nil {
				continue
			}
			if err := a.acquire(ctx); err != nil {
				return nil, err
			}
			tx.held[id] = a
			tx.order = append(tx.order, a)
		}

		snap := a.snapshot()
		snap.Balance = snap.Balance.Add(tx.deltas[id])
		out[id] = &snap
	}
	return out, nil
}

func (tx *memTx) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	a, ok := tx.held[userID]
	if !ok {
		return fmt.Errorf("adjust balance of %s: account not locked", userID)
	}

	next := tx.deltas[userID].Add(delta)
	if a.snapshot().Balance.Add(next).IsNegative() {
		return fmt.Errorf("adjust balance of %s: %w", userID, store.ErrNegativeBalance)
	}
	tx.deltas[userID] = next
	return nil
}

func (tx *memTx) RecordTransfer(_ context.Context, t *models.Transfer) error {
	tx.transfers = append(tx.transfers, *t)
	return nil
}

func (tx *memTx) commit() {
	ts := now()
	for id, delta := range tx.deltas {
		a := tx.held[id]
		a.mu.Lock()
		a.data.Balance = a.data.Balance.Add(delta)
		a.data.UpdatedAt = ts
		a.mu.Unlock()
	}

	if len(tx.transfers) > 0 {
		tx.s.mu.Lock()
		tx.s.transfers = append(tx.s.transfers, tx.transfers...)
		tx.s.mu.Unlock()
	}
}

func (tx *memTx) releaseAll() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.order[i].release()
	}
	tx.order = nil
}
