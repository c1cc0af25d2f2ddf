package dispatch

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Kind classifies the outcome of a delivery that did not succeed.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindMisconfigured      Kind = "misconfigured"
	KindVerificationFailed Kind = "verification_failed"
	KindBadEvent           Kind = "bad_event"
	KindUnhandled          Kind = "unhandled"
	KindDownstreamFailure  Kind = "downstream_failure"
)

const (
	MsgOK             = "OK"
	MsgDuplicate      = "Duplicate delivery"
	MsgUnhandled      = "Unhandled event type"
	MsgMissingHeaders = "missing required verification headers"
	MsgVerification   = "Error verifying webhook"
	MsgProcessing     = "Error processing event"
	MsgMisconfigured  = "webhook secret is not configured"
	MsgInvalidPayload = "invalid webhook payload"
	MsgMissingSubject = "user id is missing from the webhook event"
	MsgMissingEmail   = "email address is missing from the webhook event"
)

// StatusCode is the HTTP status for a kind. Every kind has exactly one.
func (k Kind) StatusCode() int {
	switch k {
	case KindBadRequest, KindVerificationFailed, KindBadEvent, KindUnhandled:
		return http.StatusBadRequest
	case KindDownstreamFailure, KindMisconfigured:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) category() goerrors.Category {
	switch k {
	case KindBadRequest:
		return goerrors.CategoryBadInput
	case KindVerificationFailed:
		return goerrors.CategoryAuth
	case KindBadEvent:
		return goerrors.CategoryValidation
	case KindUnhandled:
		return goerrors.CategoryNotFound
	case KindDownstreamFailure:
		return goerrors.CategoryOperation
	default:
		return goerrors.CategoryInternal
	}
}

// newError builds the rich error for kind. source may be nil.
func newError(kind Kind, message string, source error, metadata map[string]any) *goerrors.Error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, kind.category())
	} else {
		err = goerrors.Wrap(source, kind.category(), message)
	}
	err = err.WithCode(kind.StatusCode()).WithTextCode(string(kind))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// KindOf extracts the failure kind from an error produced by this package.
func KindOf(err error) (Kind, bool) {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return "", false
	}
	return Kind(rich.TextCode), true
}

// Misconfigured wraps a startup configuration failure.
func Misconfigured(source error) error {
	return newError(KindMisconfigured, MsgMisconfigured, source, nil)
}
