package server

import (
	"errors"
	"net/http"

	"DerivLedger/internal/core"
	"DerivLedger/internal/external"
	"DerivLedger/internal/ingestion"

	"google.golang.org/grpc/codes"
)

// classify maps a core or transport error to an HTTP status and a gRPC code.
func classify(err error) (int, codes.Code) {
	switch {
	case errors.Is(err, core.ErrUnknownContract):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, ingestion.ErrMalformedCall),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrZeroRedemption),
		errors.Is(err, core.ErrWrongContract):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.Is(err, core.ErrDuplicateCall):
		return http.StatusConflict, codes.AlreadyExists
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden, codes.PermissionDenied
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrNotLive),
		errors.Is(err, core.ErrWouldDefault),
		errors.Is(err, core.ErrWouldExpire),
		errors.Is(err, core.ErrExceedsMarginOrExpired),
		errors.Is(err, core.ErrInsufficientMargin),
		errors.Is(err, core.ErrThrottleExceeded),
		errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrInsufficientTokens),
		errors.Is(err, external.ErrStalePrice):
		return http.StatusUnprocessableEntity, codes.FailedPrecondition
	case errors.Is(err, core.ErrCollaborator),
		errors.Is(err, external.ErrPriceNotAvailable),
		errors.Is(err, external.ErrPriceUnresolved),
		errors.Is(err, core.ErrActorStopped):
		return http.StatusServiceUnavailable, codes.Unavailable
	case errors.Is(err, external.ErrTransferFailed):
		return http.StatusBadGateway, codes.Aborted
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}
