// Package storetest holds behaviour checks every store backend must pass.
// Backends run them from their own tests, the memory store on every run and
// the database backends under the integration build tag.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wallet/internal/ledger"
	"wallet/internal/models"
	"wallet/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. Subtests create their own users with unique handles and
// names, so s may be shared with other tests.
func Run(t *testing.T, s store.Store) {
	t.Run("UserLifecycle", func(t *testing.T) { testUserLifecycle(t, s) })
	t.Run("UpdateUser", func(t *testing.T) { testUpdateUser(t, s) })
	t.Run("SearchUsers", func(t *testing.T) { testSearchUsers(t, s) })
	t.Run("RollbackDiscardsChanges", func(t *testing.T) { testRollback(t, s) })
	t.Run("NegativeBalanceRejected", func(t *testing.T) { testNegativeBalance(t, s) })
	t.Run("TransferScenario", func(t *testing.T) { testTransferScenario(t, s) })
	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) { testConcurrentDebits(t, s) })
	t.Run("OppositeDirectionsComplete", func(t *testing.T) { testOppositeDirections(t, s) })
}

// Seed creates a user whose account holds balance and returns the user.
func Seed(t *testing.T, s store.UserStore, first, last, balance string) *models.User {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Millisecond)
	u := &models.User{
		ID:           uuid.NewString(),
		Handle:       strings.ToLower(fmt.Sprintf("%s.%s@example.com", first, uuid.NewString()[:8])),
		FirstName:    first,
		LastName:     last,
		PasswordHash: "$2a$04$placeholder",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a := &models.Account{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Balance:   decimal.RequireFromString(balance),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateUserWithAccount(context.Background(), u, a))
	return u
}

func balanceOf(t *testing.T, s store.AccountStore, userID string) decimal.Decimal {
	t.Helper()

	a, err := s.AccountByUserID(context.Background(), userID)
	require.NoError(t, err)
	return a.Balance
}

func assertBalance(t *testing.T, s store.AccountStore, userID, want string) {
	t.Helper()

	got := balanceOf(t, s, userID)
	assert.True(t, decimal.RequireFromString(want).Equal(got), "balance of %s: want %s, got %s", userID, want, got)
}

// engine uses a generous attempt budget so backends that report write
// conflicts instead of blocking still settle under contention.
func engine(s store.AccountStore) *ledger.Engine {
	return ledger.NewEngine(s, ledger.Config{MaxAttempts: 20, RetryBase: 5 * time.Millisecond})
}

func testUserLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := Seed(t, s, "Ada", "Lovelace", "42.50")

	byHandle, err := s.UserByHandle(ctx, u.Handle)
	require.NoError(t, err)
	assert.Equal(t, u.ID, byHandle.ID)
	assert.Equal(t, u.PasswordHash, byHandle.PasswordHash)

	byID, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Handle, byID.Handle)
	assert.Equal(t, "Ada", byID.FirstName)

	assertBalance(t, s, u.ID, "42.50")

	dup := *u
	dup.ID = uuid.NewString()
	err = s.CreateUserWithAccount(ctx, &dup, &models.Account{ID: uuid.NewString(), UserID: dup.ID, Balance: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	_, err = s.UserByID(ctx, dup.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "a rejected signup must not leave a user behind")

	_, err = s.UserByHandle(ctx, "nobody-"+uuid.NewString()+"@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UserByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AccountByUserID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := Seed(t, s, "Grace", "Hopper", "1")

	first := "Amazing"
	require.NoError(t, s.UpdateUser(ctx, u.ID, models.ProfileUpdate{PasswordHash: "new-hash", FirstName: &first}))

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.Equal(t, "Amazing", got.FirstName)
	assert.Equal(t, "Hopper", got.LastName)

	err = s.UpdateUser(ctx, uuid.NewString(), models.ProfileUpdate{PasswordHash: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSearchUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	tag := strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	Seed(t, s, "Alice", "Zed"+tag, "1")
	Seed(t, s, "Bob", "Zed"+tag+"son", "1")
	Seed(t, s, "Carol", "Other"+tag, "1")
	Seed(t, s, "Dan", "100%"+tag, "1")

	names := func(filter string) []string {
		t.Helper()
		users, err := s.SearchUsers(ctx, filter)
		require.NoError(t, err)
		out := make([]string, 0, len(users))
		for _, u := range users {
			out = append(out, u.FirstName)
		}
		return out
	}

	assert.Equal(t, []string{"Alice", "Bob"}, names(strings.ToUpper("zed"+tag)))
	assert.Equal(t, []string{"Carol"}, names("other"+tag))
	assert.Equal(t, []string{"Dan"}, names("100%"+tag))
	assert.Empty(t, names(".*"+tag))

	all, err := s.SearchUsers(ctx, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(all), store.SearchLimit)
	assert.NotEmpty(t, all)
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := Seed(t, s, "Roll", "Back", "100")
	b := Seed(t, s, "Roll", "Forward", "0")

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, a.ID, b.ID)
		if err != nil {
			return err
		}
		if len(accounts) != 2 {
			return fmt.Errorf("locked %d accounts", len(accounts))
		}
		if err := tx.AdjustBalance(ctx, a.ID, decimal.NewFromInt(-40)); err != nil {
			return err
		}
		if err := tx.AdjustBalance(ctx, b.ID, decimal.NewFromInt(40)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assertBalance(t, s, a.ID, "100")
	assertBalance(t, s, b.ID, "0")
}

func testNegativeBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := Seed(t, s, "Neg", "Ative", "10")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockAccounts(ctx, a.ID); err != nil {
			return err
		}
		return tx.AdjustBalance(ctx, a.ID, decimal.RequireFromString("-10.01"))
	})
	assert.ErrorIs(t, err, store.ErrNegativeBalance)
	assertBalance(t, s, a.ID, "10")
}

func testTransferScenario(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := engine(s)
	a := Seed(t, s, "Scenario", "A", "100")
	b := Seed(t, s, "Scenario", "B", "50")

	tr, err := e.Transfer(ctx, a.ID, b.ID, decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID)
	assertBalance(t, s, a.ID, "70")
	assertBalance(t, s, b.ID, "80")

	_, err = e.Transfer(ctx, a.ID, b.ID, decimal.NewFromInt(71))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = e.Transfer(ctx, a.ID, uuid.NewString(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrInvalidRecipient)

	_, err = e.Transfer(ctx, a.ID, "not-a-user-id", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrInvalidRecipient)

	_, err = e.Transfer(ctx, a.ID, b.ID, decimal.NewFromInt(70))
	require.NoError(t, err)
	assertBalance(t, s, a.ID, "0")
	assertBalance(t, s, b.ID, "150")
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := engine(s)
	from := Seed(t, s, "Race", "Source", "100")
	to := Seed(t, s, "Race", "Sink", "0")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
		other     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Transfer(ctx, from.ID, to.ID, decimal.NewFromInt(60))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrTransactionConflict):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, successes, "exactly one debit fits the balance")
	assert.Equal(t, workers-1, rejected)

	assertBalance(t, s, from.ID, "40")
	assertBalance(t, s, to.ID, "60")
}

func testOppositeDirections(t *testing.T, s store.Store) {
	e := engine(s)
	a := Seed(t, s, "Cross", "A", "1000")
	b := Seed(t, s, "Cross", "B", "1000")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const rounds = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		unexpect []error
	)
	run := func(from, to string) {
		defer wg.Done()
		_, err := e.Transfer(ctx, from, to, decimal.NewFromInt(1))
		if err != nil && !errors.Is(err, ledger.ErrTransactionConflict) {
			mu.Lock()
			unexpect = append(unexpect, err)
			mu.Unlock()
		}
	}
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go run(a.ID, b.ID)
		go run(b.ID, a.ID)
	}
	wg.Wait()

	require.NoError(t, ctx.Err(), "transfers did not finish in time")
	assert.Empty(t, unexpect)

	total := balanceOf(t, s, a.ID).Add(balanceOf(t, s, b.ID))
	assert.True(t, decimal.NewFromInt(2000).Equal(total), "total changed to %s", total)
}
