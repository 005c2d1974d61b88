package netstub

import (
	stderrors "errors"
	"net/http"

	"github.com/wudi/netstub/internal/errors"
)

var (
	// ErrInvalidBody means a body was neither text nor bytes.
	ErrInvalidBody = errors.New(http.StatusInternalServerError, "Invalid Request Body")

	// ErrSubscriberFailed means a subscriber returned an error or an unusable reply.
	ErrSubscriberFailed = errors.New(http.StatusBadGateway, "Subscriber Failed")

	// ErrSubscriberTimeout means a subscriber did not answer in time.
	ErrSubscriberTimeout = errors.New(http.StatusGatewayTimeout, "Subscriber Timeout")
)

var (
	ErrAlreadyResponded = stderrors.New("netstub: response already sent")
	ErrAlreadyForwarded = stderrors.New("netstub: request already forwarded upstream")
	ErrRequestNotFound  = stderrors.New("netstub: no in-flight request with that id")
	ErrDuplicateRequest = stderrors.New("netstub: request id already registered")
)
