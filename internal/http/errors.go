package http

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/jmehdipour/quota-gateway/internal/pipeline"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// Text codes returned in the error envelope.
const (
	CodeBadInput             = "bad_input"
	CodeUnauthorized         = "unauthorized"
	CodeQuotaExhausted       = "quota_exhausted"
	CodeAuthFailure          = "auth_failure"
	CodeResourceNotFound     = "resource_not_found"
	CodeFetchFailure         = "fetch_failure"
	CodeRecipientNotFound    = "recipient_not_found"
	CodeAmbiguousRecipient   = "ambiguous_recipient"
	CodeChannelSendFailure   = "channel_send_failure"
	CodeSerializationFailure = "serialization_failure"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

type errorBody struct {
	Code     string         `json:"code"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func newError(message string, category goerrors.Category, code int, textCode string) *goerrors.Error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string) *goerrors.Error {
	return goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
}

func badInput(message string) *goerrors.Error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, CodeBadInput)
}

// serviceError maps a pipeline failure onto the public envelope. Messages are
// fixed per kind so remote error bodies never reach the caller.
func serviceError(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}

	kind, _ := pipeline.KindOf(err)
	switch kind {
	case pipeline.KindInvalidRequest:
		msg := "invalid request"
		if inner := errors.Unwrap(err); inner != nil {
			msg = inner.Error()
		}
		return wrapError(err, goerrors.CategoryBadInput, msg, http.StatusBadRequest, CodeBadInput)
	case pipeline.KindAuthFailure:
		return wrapError(err, goerrors.CategoryAuth, "ledger authentication failed", http.StatusBadGateway, CodeAuthFailure)
	case pipeline.KindResourceNotFound:
		return wrapError(err, goerrors.CategoryNotFound, "ledger site or list not found", http.StatusBadGateway, CodeResourceNotFound)
	case pipeline.KindFetchFailure:
		return wrapError(err, goerrors.CategoryExternal, "ledger could not be read", http.StatusBadGateway, CodeFetchFailure)
	case pipeline.KindRecipientNotFound:
		return wrapError(err, goerrors.CategoryNotFound, "no ledger record for sender", http.StatusNotFound, CodeRecipientNotFound)
	case pipeline.KindAmbiguousRecipient:
		return wrapError(err, goerrors.CategoryConflict, "sender matches more than one ledger record", http.StatusConflict, CodeAmbiguousRecipient)
	case pipeline.KindChannelSendFailure:
		return wrapError(err, goerrors.CategoryExternal, "message could not be sent", http.StatusBadGateway, CodeChannelSendFailure)
	case pipeline.KindSerializationFailure:
		return wrapError(err, goerrors.CategoryInternal, "quota check busy, retry later", http.StatusServiceUnavailable, CodeSerializationFailure)
	default:
		return wrapError(err, goerrors.CategoryInternal, "internal error", http.StatusInternalServerError, CodeInternal)
	}
}

func writeError(c echo.Context, e *goerrors.Error) error {
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	if code >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request().Method, c.Path(), e)
	}
	return c.JSON(code, errorResponse{Error: errorBody{
		Code:     e.TextCode,
		Category: string(e.Category),
		Message:  e.Message,
		Metadata: e.Metadata,
	}})
}
