package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPErrorResponse is the wire shape of every error the API returns.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody is the envelope inside HTTPErrorResponse.
type HTTPErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// statusFor maps stable codes to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeConflict:
		return http.StatusConflict
	case CodeWebhookRejected:
		return http.StatusUnauthorized
	case CodeServiceUnavailable, CodeToolNotInstalled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes the envelope for err with the status implied by its code.
// requestID may be empty.
func WriteJSON(w http.ResponseWriter, err error, requestID string) {
	var app *AppError
	if !errors.As(err, &app) {
		app = &AppError{Code: CodeInternal, Message: err.Error()}
	}

	body := HTTPErrorResponse{Error: HTTPErrorBody{
		Code:      app.Code,
		Message:   app.Message,
		Details:   app.Details,
		RequestID: requestID,
	}}
	if app.Message == "" && app.Err != nil {
		body.Error.Message = app.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(app.Code))
	_ = json.NewEncoder(w).Encode(body)
}
