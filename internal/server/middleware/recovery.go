package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/sentryal/sarpipe/internal/errors"
	"github.com/sentryal/sarpipe/internal/observability"
)

// ErrorResponse is the wire envelope every failed request carries.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into the standard INTERNAL_ERROR
// envelope instead of a dropped connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.Logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				err := apperrors.New(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
				apperrors.WriteJSON(w, err, GetRequestID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under its historical name.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}
