package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/viant/mcprelay"
)

// RoundTrip correlates a server-initiated request with its eventual response.
type RoundTrip struct {
	Request  *mcprelay.Request
	Response *mcprelay.Response
	done     chan struct{}
}

// NewRoundTrip creates a new round trip for the request.
func NewRoundTrip(request *mcprelay.Request) *RoundTrip {
	return &RoundTrip{Request: request, done: make(chan struct{})}
}

// Wait blocks until the response arrives, the context is done, or timeout.
func (t *RoundTrip) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	case <-t.done:
		return nil
	}
}

// SetError completes the trip with an error response.
func (t *RoundTrip) SetError(error *mcprelay.Error) {
	t.Response = &mcprelay.Response{Id: t.Request.Id, Jsonrpc: t.Request.Jsonrpc, Error: error}
	close(t.done)
}

// SetResponse completes the trip.
func (t *RoundTrip) SetResponse(response *mcprelay.Response) {
	t.Response = response
	close(t.done)
}

// RoundTrips tracks in-flight server-initiated requests by request id.
type RoundTrips struct {
	mux     sync.Mutex
	pending map[string]*RoundTrip
	err     error
}

// NewRoundTrips creates an empty round-trip registry.
func NewRoundTrips() *RoundTrips {
	return &RoundTrips{pending: map[string]*RoundTrip{}}
}

// CloseWithError fails all pending and future trips.
func (r *RoundTrips) CloseWithError(err error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.err = err
	for key, trip := range r.pending {
		trip.SetError(mcprelay.NewInternalError(err.Error(), nil))
		delete(r.pending, key)
	}
}

// Add registers a new trip keyed by the request id.
func (r *RoundTrips) Add(request *mcprelay.Request) (*RoundTrip, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	trip := NewRoundTrip(request)
	r.pending[mcprelay.FormatRequestId(request.Id)] = trip
	return trip, nil
}

// Match removes and returns the trip for the response id.
func (r *RoundTrips) Match(id mcprelay.RequestId) (*RoundTrip, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	key := mcprelay.FormatRequestId(id)
	trip, ok := r.pending[key]
	if !ok {
		return nil, errors.New("trip not found: " + key)
	}
	delete(r.pending, key)
	return trip, nil
}
