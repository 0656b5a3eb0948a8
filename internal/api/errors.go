package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"wallet/internal/identity"
	"wallet/internal/ledger"

	"go.uber.org/zap"
)

// Error codes returned to clients.
const (
	CodeInvalidInput          = "INVALID_INPUT"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeInvalidRecipient      = "INVALID_RECIPIENT"
	CodeTransactionConflict   = "TRANSACTION_CONFLICT"
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeInternal              = "INTERNAL"
)

// errInvalidInput marks request decoding and validation failures.
var errInvalidInput = errors.New("incorrect inputs")

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	status  int
	code    string
	message string
}

// classify maps a domain error onto the status, code and message shown to
// clients. Unknown errors become a generic 500 so storage details never leak.
func classify(err error) apiError {
	switch {
	case errors.Is(err, errInvalidInput):
		return apiError{http.StatusBadRequest, CodeInvalidInput, err.Error()}
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrSelfTransfer):
		return apiError{http.StatusBadRequest, CodeInvalidInput, err.Error()}
	case errors.Is(err, identity.ErrUnauthenticated):
		return apiError{http.StatusUnauthorized, CodeUnauthenticated, identity.ErrUnauthenticated.Error()}
	case errors.Is(err, identity.ErrDuplicateRegistration):
		return apiError{http.StatusConflict, CodeDuplicateRegistration, err.Error()}
	case errors.Is(err, identity.ErrInvalidCredentials):
		return apiError{http.StatusUnauthorized, CodeInvalidCredentials, err.Error()}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return apiError{http.StatusUnprocessableEntity, CodeInsufficientFunds, ledger.ErrInsufficientFunds.Error()}
	case errors.Is(err, ledger.ErrInvalidRecipient):
		return apiError{http.StatusUnprocessableEntity, CodeInvalidRecipient, ledger.ErrInvalidRecipient.Error()}
	case errors.Is(err, ledger.ErrTransactionConflict):
		return apiError{http.StatusConflict, CodeTransactionConflict, ledger.ErrTransactionConflict.Error()}
	case errors.Is(err, ledger.ErrAccountNotFound):
		return apiError{http.StatusNotFound, CodeAccountNotFound, ledger.ErrAccountNotFound.Error()}
	default:
		return apiError{http.StatusInternalServerError, CodeInternal, "internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	if e.code == CodeTransactionConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, e.status, ErrorResponse{Code: e.code, Message: e.message})
}
