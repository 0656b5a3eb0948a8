package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wallet/internal/models"
	"wallet/internal/store"
	"wallet/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, id, handle, first, last string, balance int64) {
	t.Helper()
	u := &models.User{ID: id, Handle: handle, FirstName: first, LastName: last, PasswordHash: "x"}
	a := &models.Account{ID: "acct-" + id, UserID: id, Balance: decimal.NewFromInt(balance)}
	require.NoError(t, s.CreateUserWithAccount(context.Background(), u, a))
}

func balanceOf(t *testing.T, s *Store, id string) decimal.Decimal {
	t.Helper()
	a, err := s.AccountByUserID(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func TestCreateUserWithAccount_DuplicateHandle(t *testing.T) {
	s := New()
	seed(t, s, "u1", "ada@example.com", "Ada", "Lovelace", 10)

	err := s.CreateUserWithAccount(context.Background(),
		&models.User{ID: "u2", Handle: "ada@example.com"},
		&models.Account{ID: "a2", UserID: "u2"})
	require.ErrorIs(t, err, store.ErrDuplicate)

	_, err = s.UserByID(context.Background(), "u2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AccountByUserID(context.Background(), "u2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithinTx_RollbackDiscardsChanges(t *testing.T) {
	s := New()
	seed(t, s, "a", "a@example.com", "A", "A", 100)
	seed(t, s, "b", "b@example.com", "B", "B", 0)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccounts(ctx, "a", "b")
		require.NoError(t, err)
		require.NoError(t, tx.AdjustBalance(ctx, "a", decimal.NewFromInt(-40)))
		require.NoError(t, tx.AdjustBalance(ctx, "b", decimal.NewFromInt(40)))
		require.NoError(t, tx.RecordTransfer(ctx, &models.Transfer{ID: "t1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.True(t, balanceOf(t, s, "a").Equal(decimal.NewFromInt(100)))
	assert.True(t, balanceOf(t, s, "b").IsZero())
	assert.Empty(t, s.Transfers())
}

func TestWithinTx_CommitAppliesChanges(t *testing.T) {
	s := New()
	seed(t, s, "a", "a@example.com", "A", "A", 100)
	seed(t, s, "b", "b@example.com", "B", "B", 5)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		accts, err := tx.LockAccounts(ctx, "b", "a", "missing")
		if err != nil {
			return err
		}
		assert.Len(t, accts, 2)
		if err := tx.AdjustBalance(ctx, "a", decimal.NewFromInt(-40)); err != nil {
			return err
		}
		if err := tx.AdjustBalance(ctx, "b", decimal.NewFromInt(40)); err != nil {
			return err
		}
		return tx.RecordTransfer(ctx, &models.Transfer{ID: "t1", FromUserID: "a", ToUserID: "b", Amount: decimal.NewFromInt(40)})
	})
	require.NoError(t, err)

	assert.True(t, balanceOf(t, s, "a").Equal(decimal.NewFromInt(60)))
	assert.True(t, balanceOf(t, s, "b").Equal(decimal.NewFromInt(45)))
	require.Len(t, s.Transfers(), 1)
	assert.Equal(t, "t1", s.Transfers()[0].ID)
}

func TestAdjustBalance_RejectsNegativeAndUnlocked(t *testing.T) {
	s := New()
	seed(t, s, "a", "a@example.com", "A", "A", 10)
	seed(t, s, "b", "b@example.com", "B", "B", 10)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockAccounts(ctx, "a"); err != nil {
			return err
		}
		return tx.AdjustBalance(ctx, "a", decimal.NewFromInt(-11))
	})
	assert.ErrorIs(t, err, store.ErrNegativeBalance)

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.AdjustBalance(ctx, "b", decimal.NewFromInt(1))
	})
	assert.ErrorContains(t, err, "not locked")
	assert.True(t, balanceOf(t, s, "b").Equal(decimal.NewFromInt(10)))
}

func TestLockAccounts_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	s := New()
	seed(t, s, "a", "a@example.com", "A", "A", 1000)
	seed(t, s, "b", "b@example.com", "B", "B", 1000)

	move := func(from, to string) error {
		return s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockAccounts(ctx, from, to); err != nil {
				return err
			}
			if err := tx.AdjustBalance(ctx, from, decimal.NewFromInt(-1)); err != nil {
				return err
			}
			return tx.AdjustBalance(ctx, to, decimal.NewFromInt(1))
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(2)
			go func() { defer wg.Done(); assert.NoError(t, move("a", "b")) }()
			go func() { defer wg.Done(); assert.NoError(t, move("b", "a")) }()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposite transfers deadlocked")
	}

	total := balanceOf(t, s, "a").Add(balanceOf(t, s, "b"))
	assert.True(t, total.Equal(decimal.NewFromInt(2000)))
}

func TestLockAccounts_HonoursContext(t *testing.T) {
	s := New()
	seed(t, s, "a", "a@example.com", "A", "A", 10)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := tx.LockAccounts(ctx, "a")
			close(held)
			<-release
			return err
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccounts(ctx, "a")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSearchUsers(t *testing.T) {
	s := New()
	seed(t, s, "1", "ada@example.com", "Ada", "Lovelace", 1)
	seed(t, s, "2", "alan@example.com", "Alan", "Turing", 1)
	seed(t, s, "3", "grace@example.com", "Grace", "Hopper", 1)

	tests := []struct {
		name   string
		filter string
		want   []string
	}{
		{name: "empty filter lists all", filter: "", want: []string{"3", "1", "2"}},
		{name: "first name substring", filter: "al", want: []string{"2"}},
		{name: "case insensitive last name", filter: "HOP", want: []string{"3"}},
		{name: "no match", filter: "zzz", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchUsers(context.Background(), tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, u := range got {
				ids = append(ids, u.UserID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestUpdateUser(t *testing.T) {
	s := New()
	seed(t, s, "1", "ada@example.com", "Ada", "Lovelace", 1)
	first := "Augusta"

	require.NoError(t, s.UpdateUser(context.Background(), "1", models.ProfileUpdate{PasswordHash: "new", FirstName: &first}))

	u, err := s.UserByHandle(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Augusta", u.FirstName)
	assert.Equal(t, "Lovelace", u.LastName)
	assert.Equal(t, "new", u.PasswordHash)

	assert.ErrorIs(t, s.UpdateUser(context.Background(), "nope", models.ProfileUpdate{}), store.ErrNotFound)
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
	_, err := s.AccountByUserID(context.Background(), "x")
	assert.Error(t, err)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, New())
}
