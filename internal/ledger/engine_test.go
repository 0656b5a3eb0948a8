package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallet/internal/models"
	"wallet/internal/store"
	"wallet/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore(t *testing.T, balances map[string]string) *memory.Store {
	t.Helper()
	s := memory.New()
	for id, bal := range balances {
		err := s.CreateUserWithAccount(context.Background(),
			&models.User{ID: id, Handle: id + "@example.com", FirstName: id, LastName: id},
			&models.Account{ID: "acct-" + id, UserID: id, Balance: dec(bal)})
		require.NoError(t, err)
	}
	return s
}

func balance(t *testing.T, e *Engine, id string) decimal.Decimal {
	t.Helper()
	b, err := e.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func total(t *testing.T, e *Engine, ids ...string) decimal.Decimal {
	t.Helper()
	sum := decimal.Zero
	for _, id := range ids {
		sum = sum.Add(balance(t, e, id))
	}
	return sum
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	retries  int
}

func (f *fakeRecorder) ObserveTransfer(outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeRecorder) IncTransferRetry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
}

func TestTransfer_Scenario(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "25.50"})
	rec := &fakeRecorder{}
	e := NewEngine(s, Config{Metrics: rec})

	tr, err := e.Transfer(context.Background(), "a", "b", dec("40"))
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID)
	assert.True(t, balance(t, e, "a").Equal(dec("60")))
	assert.True(t, balance(t, e, "b").Equal(dec("65.50")))

	_, err = e.Transfer(context.Background(), "a", "b", dec("100"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, balance(t, e, "a").Equal(dec("60")))
	assert.True(t, balance(t, e, "b").Equal(dec("65.50")))

	transfers := s.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, tr.ID, transfers[0].ID)
	assert.True(t, transfers[0].Amount.Equal(dec("40")))

	assert.Equal(t, []string{OutcomeSuccess, OutcomeInsufficientFunds}, rec.outcomes)
}

func TestTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		amount  string
		wantErr error
	}{
		{name: "unknown recipient", from: "a", to: "ghost", amount: "10", wantErr: ErrInvalidRecipient},
		{name: "empty recipient", from: "a", to: "", amount: "10", wantErr: ErrInvalidRecipient},
		{name: "zero amount", from: "a", to: "b", amount: "0", wantErr: ErrInvalidAmount},
		{name: "negative amount", from: "a", to: "b", amount: "-5", wantErr: ErrInvalidAmount},
		{name: "sub-cent amount", from: "a", to: "b", amount: "0.001", wantErr: ErrInvalidAmount},
		{name: "self transfer", from: "a", to: "a", amount: "10", wantErr: ErrSelfTransfer},
		{name: "exceeds balance", from: "a", to: "b", amount: "100.01", wantErr: ErrInsufficientFunds},
		{name: "caller without account", from: "nobody", to: "b", amount: "1", wantErr: ErrAccountNotFound},
		{name: "insufficient funds wins over unknown recipient", from: "a", to: "ghost", amount: "500", wantErr: ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, map[string]string{"a": "100", "b": "0"})
			e := NewEngine(s, Config{})

			_, err := e.Transfer(context.Background(), tt.from, tt.to, dec(tt.amount))
			require.ErrorIs(t, err, tt.wantErr)

			assert.True(t, balance(t, e, "a").Equal(dec("100")), "source unchanged")
			assert.True(t, balance(t, e, "b").IsZero(), "destination unchanged")
			assert.Empty(t, s.Transfers())
		})
	}
}

func TestTransfer_ExactBalanceDrainsToZero(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "12.34", "b": "0"})
	e := NewEngine(s, Config{})

	_, err := e.Transfer(context.Background(), "a", "b", dec("12.34"))
	require.NoError(t, err)
	assert.True(t, balance(t, e, "a").IsZero())
	assert.True(t, balance(t, e, "b").Equal(dec("12.34")))
}

func TestTransfer_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "0"})
	e := NewEngine(s, Config{})

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Transfer(context.Background(), "a", "b", dec("60"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, insufficient.Load())
	assert.True(t, balance(t, e, "a").Equal(dec("40")))
	assert.True(t, balance(t, e, "b").Equal(dec("60")))
}

func TestTransfer_ConcurrentSubsetThatFits(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "0", "c": "0"})
	e := NewEngine(s, Config{})

	const n = 50
	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := "b"
			if i%2 == 0 {
				to = "c"
			}
			_, err := e.Transfer(context.Background(), "a", to, dec("7"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 100 / 7 = 14 transfers fit, leaving 2.
	assert.EqualValues(t, 14, ok.Load())
	assert.EqualValues(t, n-14, insufficient.Load())
	assert.True(t, balance(t, e, "a").Equal(dec("2")))
	assert.True(t, total(t, e, "a", "b", "c").Equal(dec("100")))
	assert.Len(t, s.Transfers(), 14)
}

func TestTransfer_ConservationUnderMixedTraffic(t *testing.T) {
	ids := []string{"u0", "u1", "u2", "u3", "u4"}
	balances := map[string]string{}
	for _, id := range ids {
		balances[id] = "50.00"
	}
	s := newTestStore(t, balances)
	e := NewEngine(s, Config{})
	before := total(t, e, ids...)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := ids[i%len(ids)]
			to := ids[(i*3+1)%len(ids)]
			amount := decimal.New(int64(i%9+1), -1).Add(dec(fmt.Sprint(i % 13)))
			_, err := e.Transfer(context.Background(), from, to, amount)
			if err != nil && !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrSelfTransfer) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, total(t, e, ids...).Equal(before), "sum of balances must be conserved")
	for _, id := range ids {
		assert.False(t, balance(t, e, id).IsNegative(), id)
	}
}

func TestBalance(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "9.99"})
	e := NewEngine(s, Config{})

	first := balance(t, e, "a")
	second := balance(t, e, "a")
	assert.True(t, first.Equal(second))
	assert.True(t, first.Equal(dec("9.99")))

	_, err := e.Balance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

// conflictingStore fails the first n transactions with store.ErrConflict.
type conflictingStore struct {
	store.AccountStore
	remaining atomic.Int32
	calls     atomic.Int32
}

func (c *conflictingStore) WithinTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	c.calls.Add(1)
	if c.remaining.Add(-1) >= 0 {
		return fmt.Errorf("commit: %w", store.ErrConflict)
	}
	return c.AccountStore.WithinTx(ctx, fn)
}

func TestTransfer_RetriesConflicts(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "0"})
	cs := &conflictingStore{AccountStore: s}
	cs.remaining.Store(2)
	rec := &fakeRecorder{}
	e := NewEngine(cs, Config{MaxAttempts: 3, RetryBase: time.Millisecond, Metrics: rec})

	_, err := e.Transfer(context.Background(), "a", "b", dec("10"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, cs.calls.Load())
	assert.Equal(t, 2, rec.retries)
	assert.True(t, balance(t, e, "a").Equal(dec("90")))
}

func TestTransfer_GivesUpAfterMaxAttempts(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "0"})
	cs := &conflictingStore{AccountStore: s}
	cs.remaining.Store(10)
	rec := &fakeRecorder{}
	e := NewEngine(cs, Config{MaxAttempts: 2, RetryBase: time.Millisecond, Metrics: rec})

	_, err := e.Transfer(context.Background(), "a", "b", dec("10"))
	require.ErrorIs(t, err, ErrTransactionConflict)
	assert.EqualValues(t, 2, cs.calls.Load())
	assert.Equal(t, []string{OutcomeConflict}, rec.outcomes)
	assert.True(t, balance(t, e, "a").Equal(dec("100")))
}

func TestTransfer_RetryHonoursContext(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "0"})
	cs := &conflictingStore{AccountStore: s}
	cs.remaining.Store(10)
	e := NewEngine(cs, Config{MaxAttempts: 5, RetryBase: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Transfer(ctx, "a", "b", dec("10"))
	require.ErrorIs(t, err, ErrTransactionConflict)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeConflict, Outcome(err))
	assert.Less(t, cs.calls.Load(), int32(5))
	assert.True(t, balance(t, e, "a").Equal(dec("100")))
}

func TestTransfer_LockWaitTimeoutIsConflict(t *testing.T) {
	s := newTestStore(t, map[string]string{"a": "100", "b": "0"})
	e := NewEngine(s, Config{MaxAttempts: 3, RetryBase: time.Millisecond})

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := tx.LockAccounts(ctx, "a")
			close(held)
			<-release
			return err
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Transfer(ctx, "a", "b", dec("10"))
	close(release)
	<-done

	require.ErrorIs(t, err, ErrTransactionConflict)
	assert.Equal(t, OutcomeConflict, Outcome(err))
	assert.True(t, balance(t, e, "a").Equal(dec("100")))
	assert.True(t, balance(t, e, "b").Equal(dec("0")))
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(dec("0.01")))
	assert.NoError(t, ValidateAmount(dec("10.50")))
	assert.NoError(t, ValidateAmount(dec("10.500")))
	assert.ErrorIs(t, ValidateAmount(dec("10.505")), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.Zero), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(dec("-1")), ErrInvalidAmount)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Outcome(nil))
	assert.Equal(t, OutcomeInvalidInput, Outcome(ErrSelfTransfer))
	assert.Equal(t, OutcomeConflict, Outcome(fmt.Errorf("%w: x", ErrTransactionConflict)))
	assert.Equal(t, OutcomeError, Outcome(errors.New("db down")))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), exponential(0, 3))
	assert.Equal(t, 10*time.Millisecond, exponential(10*time.Millisecond, 0))
	assert.Equal(t, 80*time.Millisecond, exponential(10*time.Millisecond, 3))
	assert.Equal(t, 10*time.Millisecond, exponential(10*time.Millisecond, -1))
	assert.Equal(t, time.Duration(1<<62), exponential(time.Nanosecond, 100))

	for i := 0; i < 100; i++ {
		d := fullJitter(time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), fullJitter(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, 0), context.Canceled)
	assert.NoError(t, sleepWithContext(context.Background(), 0))
}
