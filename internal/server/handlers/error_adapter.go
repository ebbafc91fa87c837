package handlers

import (
	"net/http"

	apperrors "github.com/sentryal/sarpipe/internal/errors"
	"github.com/sentryal/sarpipe/internal/server/middleware"
)

// HTTPErrorResponder writes an error response for a failed request.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.WriteJSON(w, err, middleware.GetRequestID(r.Context()))
}

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder overrides how handlers render errors. nil
// restores the default envelope writer. Used by embedding applications.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default envelope writer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
