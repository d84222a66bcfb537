package rest

import (
	"errors"
	"fmt"
	"net/http"

	"chartfeed/internal/model"
)

// ErrNoData is returned for an empty or all-placeholder candle payload
// and for a 404 on the candles endpoint.
var ErrNoData = model.ErrNoData

// ErrStatus matches every non-2xx response.
var ErrStatus = errors.New("unexpected status")

// ErrTimeframe is returned for a timeframe the upstream does not serve.
var ErrTimeframe = errors.New("unsupported timeframe")

// StatusError carries the HTTP status of a non-2xx response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Transient reports whether the upstream may succeed on retry: rate
// limiting and server-side errors.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Permanent reports whether retrying is pointless.
func (e *StatusError) Permanent() bool { return !e.Transient() }
