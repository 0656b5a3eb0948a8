package postgres

import (
	"errors"
	"fmt"
	"testing"

	"wallet/internal/store"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "wallet", Database: "wallet_db"}
	assert.Equal(t, "host=db port=5432 user=wallet dbname=wallet_db sslmode=disable", cfg.DSN())

	cfg.Password = "secret"
	cfg.SSLMode = "require"
	assert.Equal(t, "host=db port=5432 user=wallet dbname=wallet_db sslmode=require password=secret", cfg.DSN())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "serialization failure", err: &pq.Error{Code: codeSerializationFailure}, want: store.ErrConflict},
		{name: "deadlock", err: &pq.Error{Code: codeDeadlockDetected}, want: store.ErrConflict},
		{name: "unique violation", err: &pq.Error{Code: codeUniqueViolation}, want: store.ErrDuplicate},
		{name: "balance check", err: &pq.Error{Code: codeCheckViolation, Constraint: "balance_non_negative"}, want: store.ErrNegativeBalance},
		{name: "wrapped driver error", err: fmt.Errorf("exec: %w", &pq.Error{Code: codeDeadlockDetected}), want: store.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	plain := errors.New("connection reset")
	assert.Same(t, plain, classify(plain))

	other := &pq.Error{Code: codeCheckViolation, Constraint: "positive_amount"}
	assert.Equal(t, error(other), classify(other))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
	assert.Equal(t, "ada", escapeLike("ada"))
}
