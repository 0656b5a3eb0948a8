package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is the append-only record written alongside a successful
// debit/credit pair.
type Transfer struct {
	ID         string          `json:"transfer_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

type TransferRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
	To     string           `json:"to" validate:"required,max=64"`
}

type TransferResponse struct {
	Message    string `json:"message"`
	TransferID string `json:"transfer_id"`
}
