package waiter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

// Request is the request half of Network.requestWillBeSent.
type Request struct {
	URL      string         `json:"url"`
	Method   string         `json:"method"`
	Headers  map[string]any `json:"headers,omitempty"`
	PostData string         `json:"postData,omitempty"`
}

// RequestWillBeSent is the Network.requestWillBeSent event.
type RequestWillBeSent struct {
	RequestID string  `json:"requestId"`
	LoaderID  string  `json:"loaderId"`
	FrameID   string  `json:"frameId,omitempty"`
	Type      string  `json:"type,omitempty"`
	Request   Request `json:"request"`
}

// Response is the response half of Network.responseReceived.
type Response struct {
	URL        string         `json:"url"`
	Status     int            `json:"status"`
	StatusText string         `json:"statusText"`
	MimeType   string         `json:"mimeType"`
	Headers    map[string]any `json:"headers,omitempty"`
}

// ResponseReceived is the Network.responseReceived event.
type ResponseReceived struct {
	RequestID string   `json:"requestId"`
	FrameID   string   `json:"frameId,omitempty"`
	Type      string   `json:"type,omitempty"`
	Response  Response `json:"response"`
}

// LoadingFinished is the Network.loadingFinished event.
type LoadingFinished struct {
	RequestID         string  `json:"requestId"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

// NetworkExpectation follows the first request whose URL fully matches a
// pattern through its response and completion. The Network domain must be
// enabled on the scope.
type NetworkExpectation struct {
	id       string
	pattern  *regexp.Regexp
	registry *Registry

	request  *slot[RequestWillBeSent]
	response *slot[ResponseReceived]
	finished *slot[LoadingFinished]

	mu        sync.Mutex
	requestID string
	sub       *cdp.Subscription
	timer     *time.Timer
	closed    bool
}

// RequestExpectation resolves to the matched request.
type RequestExpectation struct {
	*NetworkExpectation
}

// Value waits for the matched request.
func (e *RequestExpectation) Value(ctx context.Context) (RequestWillBeSent, error) {
	return e.Request(ctx)
}

// ResponseExpectation resolves to the response of the matched request.
type ResponseExpectation struct {
	*NetworkExpectation
}

// Value waits for the matched response.
func (e *ResponseExpectation) Value(ctx context.Context) (ResponseReceived, error) {
	return e.Response(ctx)
}

// ExpectRequest expects a request whose URL fully matches pattern.
func (r *Registry) ExpectRequest(pattern *regexp.Regexp, timeout time.Duration) (*RequestExpectation, error) {
	e, err := r.expectNetwork(pattern, timeout)
	if err != nil {
		return nil, err
	}
	return &RequestExpectation{e}, nil
}

// ExpectResponse expects the response to a request whose URL fully matches pattern.
func (r *Registry) ExpectResponse(pattern *regexp.Regexp, timeout time.Duration) (*ResponseExpectation, error) {
	e, err := r.expectNetwork(pattern, timeout)
	if err != nil {
		return nil, err
	}
	return &ResponseExpectation{e}, nil
}

func (r *Registry) expectNetwork(pattern *regexp.Regexp, timeout time.Duration) (*NetworkExpectation, error) {
	if pattern == nil {
		return nil, errors.New("url pattern is required")
	}
	if err := r.live(); err != nil {
		return nil, err
	}

	anchored, err := regexp.Compile(`^(?:` + pattern.String() + `)$`)
	if err != nil {
		return nil, fmt.Errorf("anchor url pattern: %w", err)
	}

	e := &NetworkExpectation{
		id:       uuid.NewString(),
		pattern:  anchored,
		registry: r,
		request:  newSlot[RequestWillBeSent](),
		response: newSlot[ResponseReceived](),
		finished: newSlot[LoadingFinished](),
	}
	r.track(e.id, e)

	// One subscription across the three events keeps them in arrival order,
	// so the request id is known before its response is examined.
	sub := r.scope.Subscribe(cdp.AnyMethod, e.handle)

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			e.cancel(fmt.Errorf("network %s: %w", pattern, ErrWaiterTimeout))
		})
	}

	e.mu.Lock()
	e.sub = sub
	e.timer = timer
	closed := e.closed
	e.mu.Unlock()
	if closed {
		sub.Unsubscribe()
		if timer != nil {
			timer.Stop()
		}
	}

	r.watch(e.finished.done, e.cancel)
	return e, nil
}

func (e *NetworkExpectation) handle(evt cdp.Event) {
	switch evt.Method {
	case "Network.requestWillBeSent":
		var p RequestWillBeSent
		if err := evt.Decode(&p); err != nil {
			return
		}
		if !e.fullMatch(p.Request.URL) {
			return
		}
		e.mu.Lock()
		if e.requestID != "" {
			e.mu.Unlock()
			return
		}
		e.requestID = p.RequestID
		e.mu.Unlock()
		e.request.set(p, nil)

	case "Network.responseReceived":
		var p ResponseReceived
		if err := evt.Decode(&p); err != nil || !e.owns(p.RequestID) {
			return
		}
		e.response.set(p, nil)

	case "Network.loadingFinished":
		var p LoadingFinished
		if err := evt.Decode(&p); err != nil || !e.owns(p.RequestID) {
			return
		}
		e.response.set(ResponseReceived{}, fmt.Errorf("request %s finished without a response", p.RequestID))
		if e.finished.set(p, nil) {
			e.release("resolved")
		}

	case "Network.loadingFailed":
		var p struct {
			RequestID string `json:"requestId"`
			ErrorText string `json:"errorText"`
		}
		if err := evt.Decode(&p); err != nil || !e.owns(p.RequestID) {
			return
		}
		err := fmt.Errorf("request %s failed: %s", p.RequestID, p.ErrorText)
		e.response.set(ResponseReceived{}, err)
		if e.finished.set(LoadingFinished{}, err) {
			e.release("failed")
		}
	}
}

func (e *NetworkExpectation) fullMatch(url string) bool {
	return e.pattern.MatchString(url)
}

func (e *NetworkExpectation) owns(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestID != "" && e.requestID == requestID
}

// Request waits for the matched request.
func (e *NetworkExpectation) Request(ctx context.Context) (RequestWillBeSent, error) {
	return e.request.wait(ctx)
}

// Response waits for the matched request's response.
func (e *NetworkExpectation) Response(ctx context.Context) (ResponseReceived, error) {
	return e.response.wait(ctx)
}

// LoadingFinished waits until the matched request has finished loading.
func (e *NetworkExpectation) LoadingFinished(ctx context.Context) (LoadingFinished, error) {
	return e.finished.wait(ctx)
}

// ResponseBody waits for loading to finish and returns the response body.
func (e *NetworkExpectation) ResponseBody(ctx context.Context) ([]byte, error) {
	fin, err := e.finished.wait(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := e.registry.scope.Send(ctx, "Network.getResponseBody", map[string]any{"requestId": fin.RequestID})
	if err != nil {
		return nil, err
	}
	return decodeBody(raw)
}

// Done is closed once the expectation has completed or failed.
func (e *NetworkExpectation) Done() <-chan struct{} {
	return e.finished.done
}

// Cancel stops the expectation. Stages not yet observed fail with ErrCancelled.
func (e *NetworkExpectation) Cancel() {
	e.cancel(ErrCancelled)
}

func (e *NetworkExpectation) cancel(err error) {
	e.request.set(RequestWillBeSent{}, err)
	e.response.set(ResponseReceived{}, err)
	if e.finished.set(LoadingFinished{}, err) {
		e.release(outcome(err))
	}
}

func (e *NetworkExpectation) release(result string) {
	e.mu.Lock()
	e.closed = true
	sub := e.sub
	timer := e.timer
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if timer != nil {
		timer.Stop()
	}
	e.registry.forget(e.id, "network", result)
}
