package markets

import (
	"errors"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/prices"
)

// Error is an engine failure with a stable machine-readable code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Code() string { return e.code }

func newError(code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

var (
	ErrAlreadyInitialized = newError("ALREADY_INITIALIZED", "config already initialized")
	ErrNotInitialized     = newError("NOT_INITIALIZED", "config not initialized")
	ErrInvalidConfig      = newError("INVALID_CONFIG", "invalid config")
	ErrInvalidStartTime   = newError("INVALID_START_TIME", "start time must be in the future")
	ErrMarketExists       = newError("MARKET_EXISTS", "market already exists")
	ErrMarketNotFound     = newError("MARKET_NOT_FOUND", "market not found")
	ErrMarketNotOpen      = newError("MARKET_NOT_OPEN", "market is not open")
	ErrMarketNotEnded     = newError("MARKET_NOT_ENDED", "market has not ended")
	ErrMarketNotClosed    = newError("MARKET_NOT_CLOSED", "market is not closed")
	ErrMarketEnded        = newError("MARKET_ENDED", "market has ended")
	ErrBetTooSmall        = newError("BET_TOO_SMALL", "bet below minimum")
	ErrInvalidSide        = newError("INVALID_SIDE", "side must be up or down")
	ErrInvalidAmount      = newError("INVALID_AMOUNT", "amount must be positive")
	ErrInvalidParticipant = newError("INVALID_PARTICIPANT", "invalid participant")
	ErrMarketNotResolved  = newError("MARKET_NOT_RESOLVED", "market is not resolved")
	ErrPositionNotFound   = newError("POSITION_NOT_FOUND", "position not found")
	ErrAlreadyClaimed     = newError("ALREADY_CLAIMED", "position already claimed")
	ErrNoWinnings         = newError("NO_WINNINGS", "no winnings")
	ErrUnauthorized       = newError("UNAUTHORIZED", "caller is not the authority")

	// shared with collaborators so errors.Is works across packages
	ErrStalePrice = prices.ErrStalePrice
	ErrOverflow   = calc.ErrOverflow
)

// Code maps any engine or collaborator error to its stable code.
func Code(err error) string {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.code
	case errors.Is(err, prices.ErrStalePrice):
		return "STALE_PRICE"
	case errors.Is(err, calc.ErrOverflow):
		return "OVERFLOW"
	case errors.Is(err, calc.ErrInvalidFeeRate):
		return "INVALID_CONFIG"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, escrow.ErrControlledAccount), errors.Is(err, escrow.ErrNotControlled):
		return "CONTROLLED_ACCOUNT"
	case errors.Is(err, escrow.ErrInvalidAccount), errors.Is(err, escrow.ErrSameAccount):
		return "INVALID_ACCOUNT"
	case errors.Is(err, escrow.ErrAccountExists):
		return "ACCOUNT_EXISTS"
	default:
		return "INTERNAL"
	}
}
