package callback

import "context"

// Reply is what a host-capability handler sends back: either a JSON payload
// or an error string, mirroring CallbackResponse / the Err(String) arm of
// CallbackRequest's response_channel.
type Reply struct {
	Payload []byte
	Err     error
}

// Envelope is one request in flight on the bus: the typed Request plus a
// single-shot channel the handler uses to deliver its Reply. PolicyID
// identifies the caller for logging, matching callback_requests::
// CallbackRequest's policy_id field (used by send_request_and_wait_for_response).
type Envelope struct {
	PolicyID string
	Request  Request
	reply    chan Reply
}

// NewEnvelope builds an Envelope with its reply channel pre-allocated.
// Buffered by 1 so the handler never blocks delivering the reply even if
// the guest thread has already timed out and stopped listening.
func NewEnvelope(policyID string, req Request) Envelope {
	return Envelope{PolicyID: policyID, Request: req, reply: make(chan Reply, 1)}
}

// Reply sends the handler's result back to the blocked caller. Must be
// called exactly once per Envelope.
func (e Envelope) Reply(payload []byte, err error) {
	e.reply <- Reply{Payload: payload, Err: err}
}

// Wait blocks until the handler replies or ctx is done, mirroring the guest
// thread's blocking_recv on the oneshot channel.
func (e Envelope) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-e.reply:
		return r.Payload, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bus is the channel the guest-facing dispatcher sends Envelopes onto, and
// the host-capability task pulls them off of. Its capacity is whatever
// NewBus was given (cmd/policy-server sizes it to the worker count); once
// that buffer is full, a guest call blocks until the host-capability task
// takes an envelope off the bus.
type Bus chan Envelope

// NewBus builds a Bus with the given channel capacity (0 for unbuffered).
func NewBus(capacity int) Bus {
	return make(Bus, capacity)
}

// Send enqueues req under policyID and blocks for its Reply, or until ctx is
// done. This is the guest-thread side of send_request_and_wait_for_response.
func Send(ctx context.Context, bus Bus, policyID string, req Request) ([]byte, error) {
	envelope := NewEnvelope(policyID, req)
	select {
	case bus <- envelope:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return envelope.Wait(ctx)
}
