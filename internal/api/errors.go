package api

import (
	"errors"
	"net/http"

	"github.com/leafsii/pm15-backend/internal/auth"
	"github.com/leafsii/pm15-backend/internal/markets"
)

// statusFor maps an engine error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "MARKET_NOT_FOUND", "POSITION_NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_CONFIG", "INVALID_START_TIME", "INVALID_SIDE", "INVALID_AMOUNT",
		"INVALID_PARTICIPANT", "INVALID_ACCOUNT", "BET_TOO_SMALL":
		return http.StatusBadRequest
	case "UNAUTHORIZED", "CONTROLLED_ACCOUNT":
		return http.StatusForbidden
	case "STALE_PRICE":
		return http.StatusServiceUnavailable
	case "OVERFLOW":
		return http.StatusUnprocessableEntity
	case "ALREADY_INITIALIZED", "NOT_INITIALIZED", "MARKET_EXISTS", "MARKET_NOT_OPEN",
		"MARKET_NOT_ENDED", "MARKET_NOT_CLOSED", "MARKET_ENDED", "MARKET_NOT_RESOLVED",
		"ALREADY_CLAIMED", "NO_WINNINGS", "INSUFFICIENT_FUNDS", "ACCOUNT_EXISTS":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// authError maps a signature verification failure to a status and code.
func authError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMalformedKey), errors.Is(err, auth.ErrMalformedSignature):
		return http.StatusBadRequest, "MALFORMED_SIGNATURE"
	case errors.Is(err, auth.ErrStaleRequest):
		return http.StatusUnauthorized, "STALE_REQUEST"
	case errors.Is(err, auth.ErrReplayedRequest):
		return http.StatusUnauthorized, "REPLAYED_REQUEST"
	case errors.Is(err, auth.ErrInvalidSignature):
		return http.StatusUnauthorized, "INVALID_SIGNATURE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	code := markets.Code(err)
	h.writeError(w, statusFor(code), code, err.Error())
}
