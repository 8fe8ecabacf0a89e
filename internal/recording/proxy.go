package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"unicode/utf8"

	"github.com/kubewarden/policy-server/internal/callback"
)

// Proxy is a callback.Bus-shaped stage: it consumes Envelopes from the
// guest-facing bus exactly like the real host-capability task would, but
// either forwards each one to a real upstream Bus and captures the
// exchange (record mode), or answers straight out of a previously
// captured queue (replay mode). Grounded on
// kwctl/src/callback_handler/proxy.rs's CallbackHandlerProxy, which plays
// the same role between the guest and policy_evaluator's CallbackHandler.
type Proxy struct {
	replay      bool
	upstream    callback.Bus
	destination string
	logger      *slog.Logger

	mu       sync.Mutex
	recorded []recordedResult
	queue    []Exchange
}

type recordedResult struct {
	exchange Exchange
	err      error
}

// NewRecorder builds a Proxy that forwards every request to upstream,
// records the exchange, and on Close writes the log to destination.
func NewRecorder(upstream callback.Bus, destination string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{upstream: upstream, destination: destination, logger: logger}
}

// NewReplayer builds a Proxy that answers requests from exchanges, an
// ordered queue consumed from the head, without ever calling upstream.
func NewReplayer(exchanges []Exchange, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	queue := make([]Exchange, len(exchanges))
	copy(queue, exchanges)
	return &Proxy{replay: true, queue: queue, logger: logger}
}

// Run serves envelopes off bus until ctx is done or bus is closed. It is
// meant to run in its own goroutine, in place of the goroutine that would
// otherwise range directly over the host-capability handlers.
func (p *Proxy) Run(ctx context.Context, bus callback.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-bus:
			if !ok {
				return
			}
			if p.replay {
				p.serveReplay(envelope)
			} else {
				p.serveRecord(ctx, envelope)
			}
		}
	}
}

func (p *Proxy) serveRecord(ctx context.Context, envelope callback.Envelope) {
	payload, callErr := callback.Send(ctx, p.upstream, envelope.PolicyID, envelope.Request)
	p.record(envelope.Request, payload, callErr)
	envelope.Reply(payload, callErr)
}

// record appends one recordedResult. A serialization failure (the request
// can't become YAML, or the response payload isn't valid UTF-8) does not
// abort evaluation -- the guest has already been answered by the time
// record runs -- but it poisons the eventual file write, matching "an
// exchange-level error at shutdown blocks the file write".
func (p *Proxy) record(req callback.Request, payload []byte, callErr error) {
	reqYAML, err := marshalRequest(req)
	if err != nil {
		p.appendResult(recordedResult{err: fmt.Errorf("cannot convert request to yaml: %w", err)})
		return
	}

	if callErr != nil {
		p.appendResult(recordedResult{exchange: Exchange{Request: reqYAML, Response: ErrorResponse(callErr.Error())}})
		return
	}

	if !utf8.Valid(payload) {
		p.appendResult(recordedResult{err: errors.New("cannot convert response payload to utf8")})
		return
	}
	p.appendResult(recordedResult{exchange: Exchange{Request: reqYAML, Response: SuccessResponse(string(payload))}})
}

func (p *Proxy) appendResult(r recordedResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, r)
}

// serveReplay pops the head of the recorded queue and answers envelope
// from it, matching produce_recorded_response in proxy.rs.
func (p *Proxy) serveReplay(envelope callback.Envelope) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		envelope.Reply(nil, errors.New("the list of recorded responses is empty"))
		return
	}
	exchange := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	expected, err := unmarshalRequest(exchange.Request)
	if err != nil {
		envelope.Reply(nil, err)
		return
	}

	if !reflect.DeepEqual(expected, envelope.Request) {
		envelope.Reply(nil, fmt.Errorf("Replay error: unexpected request. Was expecting %+v, got %+v instead", expected, envelope.Request))
		return
	}

	if exchange.Response.Type == "Error" {
		envelope.Reply(nil, errors.New(exchange.Response.Message))
		return
	}
	envelope.Reply([]byte(exchange.Response.Payload), nil)
}

// Close finalizes the proxy. In record mode, every captured exchange is
// written to destination unless at least one exchange failed to record,
// in which case the file is left untouched and the errors are returned for
// the caller to surface on stderr. In replay mode, any entries that were
// never consumed are logged as a warning and Close always succeeds.
func (p *Proxy) Close() error {
	if p.replay {
		p.mu.Lock()
		leftover := len(p.queue)
		p.mu.Unlock()
		if leftover > 0 {
			p.logger.Warn("some of the recorded exchanges have not been replayed", "leftover", leftover)
		}
		return nil
	}

	p.mu.Lock()
	recorded := p.recorded
	p.mu.Unlock()

	var errs []error
	exchanges := make([]Exchange, 0, len(recorded))
	for _, r := range recorded {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		exchanges = append(exchanges, r.exchange)
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		p.logger.Error("cannot record communication between host and policy, something went wrong while capturing the exchange", "error", joined)
		return joined
	}

	return SaveExchanges(p.destination, exchanges)
}
