package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Modules wrap their own sentinels into the shared taxonomy before the
// error reaches this point.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrInsufficientAvailable):
		Problem(w, http.StatusConflict, "Insufficient Available Quantity", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.Is(err, shared.ErrDuplicateOperation):
		Problem(w, http.StatusConflict, "Duplicate Operation", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
