package protocol

import "catchdex.io/internal/dexerr"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Domain outcomes.
	ErrTooLate           = "E_TOO_LATE"
	ErrWrongAnswer       = "E_WRONG_ANSWER"
	ErrInvalidOffer      = "E_INVALID_OFFER"
	ErrInsufficientFunds = "E_INSUFFICIENT_FUNDS"
	ErrStateConflict     = "E_STATE_CONFLICT"
	ErrNotFound          = "E_NOT_FOUND"
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrNoPermission      = "E_NO_PERMISSION"
	ErrBusy              = "E_BUSY"

	// Infrastructure.
	ErrTimeout        = "E_TIMEOUT"
	ErrStorageFailure = "E_STORAGE_FAILURE"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrTooLate:           {},
	ErrWrongAnswer:       {},
	ErrInvalidOffer:      {},
	ErrInsufficientFunds: {},
	ErrStateConflict:     {},
	ErrNotFound:          {},
	ErrBadRequest:        {},
	ErrNoPermission:      {},
	ErrBusy:              {},
	ErrTimeout:           {},
	ErrStorageFailure:    {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

var byDomain = map[dexerr.Code]string{
	dexerr.CodeTooLate:           ErrTooLate,
	dexerr.CodeWrongAnswer:       ErrWrongAnswer,
	dexerr.CodeInvalidOffer:      ErrInvalidOffer,
	dexerr.CodeInsufficientFunds: ErrInsufficientFunds,
	dexerr.CodeStateConflict:     ErrStateConflict,
	dexerr.CodeTimeout:           ErrTimeout,
	dexerr.CodeStorageFailure:    ErrStorageFailure,
	dexerr.CodeNotFound:          ErrNotFound,
	dexerr.CodeBadRequest:        ErrBadRequest,
	dexerr.CodeNoPermission:      ErrNoPermission,
}

// CodeFor maps an operation error to its wire code.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := byDomain[dexerr.CodeOf(err)]; ok {
		return c
	}
	return ErrInternal
}

// Fail fills r from err.
func (r *ResultMsg) Fail(err error) {
	r.OK = false
	r.Code = CodeFor(err)
	r.Message = err.Error()
	r.Retryable = dexerr.Retryable(err)
}
