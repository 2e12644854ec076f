package apperrors

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCompletionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpload), errors.Is(err, ErrSubmission), errors.Is(err, ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, ErrSignalBus), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps an error to the websocket close code sent to the caller.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return websocket.ClosePolicyViolation
	case errors.Is(err, ErrCompletionTimeout), errors.Is(err, ErrSignalBus):
		return websocket.CloseTryAgainLater
	case errors.Is(err, ErrCanceled):
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}

// CloseReason trims a message to fit a websocket close frame.
func CloseReason(err error) string {
	// control frame payload is 125 bytes including the 2-byte code
	const maxReason = 123
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxReason {
		msg = msg[:maxReason]
		for !utf8.ValidString(msg) {
			msg = msg[:len(msg)-1]
		}
	}
	return msg
}
