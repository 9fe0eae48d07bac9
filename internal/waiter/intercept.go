package waiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

// Action is what happens to a paused request.
type Action int

const (
	// ActionContinue lets the request proceed unmodified.
	ActionContinue Action = iota
	// ActionModify lets the request proceed with overrides.
	ActionModify
	// ActionFail aborts the request with a network error.
	ActionFail
	// ActionFulfill answers the request without touching the network.
	ActionFulfill
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionModify:
		return "modify"
	case ActionFail:
		return "fail"
	case ActionFulfill:
		return "fulfill"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Header is a single HTTP header entry.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Disposition is an interceptor's verdict on a paused request.
type Disposition struct {
	Action Action

	// Request overrides for ActionModify at the request stage.
	URL      string
	Method   string
	PostData []byte
	Headers  []Header

	// Response fields for ActionFulfill, and for ActionModify at the
	// response stage.
	StatusCode      int
	StatusText      string
	ResponseHeaders []Header
	Body            []byte

	// ErrorReason for ActionFail, a Network.ErrorReason such as "Failed",
	// "Aborted" or "BlockedByClient".
	ErrorReason string
}

// Continue returns a disposition letting the request proceed unmodified.
func Continue() Disposition {
	return Disposition{Action: ActionContinue}
}

// Fail returns a disposition aborting the request with reason.
func Fail(reason string) Disposition {
	return Disposition{Action: ActionFail, ErrorReason: reason}
}

// Fulfill returns a disposition answering the request with a canned response.
func Fulfill(status int, headers []Header, body []byte) Disposition {
	return Disposition{Action: ActionFulfill, StatusCode: status, ResponseHeaders: headers, Body: body}
}

// merge layers the overrides of next over d.
func (d Disposition) merge(next Disposition) Disposition {
	d.Action = ActionModify
	if next.URL != "" {
		d.URL = next.URL
	}
	if next.Method != "" {
		d.Method = next.Method
	}
	if next.PostData != nil {
		d.PostData = next.PostData
	}
	if next.Headers != nil {
		d.Headers = next.Headers
	}
	if next.StatusCode != 0 {
		d.StatusCode = next.StatusCode
	}
	if next.StatusText != "" {
		d.StatusText = next.StatusText
	}
	if next.ResponseHeaders != nil {
		d.ResponseHeaders = next.ResponseHeaders
	}
	if next.Body != nil {
		d.Body = next.Body
	}
	return d
}

// Stage selects whether requests pause before sending or after the
// response headers arrive.
type Stage string

const (
	StageRequest  Stage = "Request"
	StageResponse Stage = "Response"
)

// Pattern selects the requests an interceptor pauses. URLPattern uses
// protocol wildcards: '*' matches any run of characters, '?' exactly one,
// and backslash escapes.
type Pattern struct {
	URLPattern   string `json:"urlPattern,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	RequestStage Stage  `json:"requestStage,omitempty"`
}

func (p Pattern) normalized() Pattern {
	if p.URLPattern == "" {
		p.URLPattern = "*"
	}
	if p.RequestStage == "" {
		p.RequestStage = StageRequest
	}
	return p
}

func (p Pattern) matches(req *PausedRequest) bool {
	p = p.normalized()
	if (p.RequestStage == StageResponse) != req.IsResponseStage() {
		return false
	}
	if p.ResourceType != "" && p.ResourceType != req.ResourceType {
		return false
	}
	return wildcardMatch(p.URLPattern, req.Request.URL)
}

// RequestInfo describes the paused HTTP request.
type RequestInfo struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`
	PostData string            `json:"postData,omitempty"`
}

// PausedRequest is a request held by the browser until it is resolved.
// Resolving methods may be called at most once across all of them; later
// calls return ErrAlreadyHandled.
type PausedRequest struct {
	RequestID           string      `json:"requestId"`
	Request             RequestInfo `json:"request"`
	FrameID             string      `json:"frameId"`
	ResourceType        string      `json:"resourceType"`
	ResponseErrorReason string      `json:"responseErrorReason,omitempty"`
	ResponseStatusCode  int         `json:"responseStatusCode,omitempty"`
	ResponseStatusText  string      `json:"responseStatusText,omitempty"`
	ResponseHeaders     []Header    `json:"responseHeaders,omitempty"`
	NetworkID           string      `json:"networkId,omitempty"`

	scope   Scope
	handled atomic.Bool
}

// IsResponseStage reports whether the request paused after its response arrived.
func (p *PausedRequest) IsResponseStage() bool {
	return p.ResponseStatusCode != 0 || p.ResponseErrorReason != ""
}

// Handled reports whether the request has been resolved.
func (p *PausedRequest) Handled() bool {
	return p.handled.Load()
}

// ResponseBody returns the body of a request paused at the response stage.
func (p *PausedRequest) ResponseBody(ctx context.Context) ([]byte, error) {
	raw, err := p.scope.Send(ctx, "Fetch.getResponseBody", map[string]any{"requestId": p.RequestID})
	if err != nil {
		return nil, err
	}
	return decodeBody(raw)
}

// ContinueRequest resumes the request, applying the request overrides in d.
func (p *PausedRequest) ContinueRequest(ctx context.Context, d Disposition) error {
	if !p.handled.CompareAndSwap(false, true) {
		return ErrAlreadyHandled
	}
	params := map[string]any{"requestId": p.RequestID}
	if d.URL != "" {
		params["url"] = d.URL
	}
	if d.Method != "" {
		params["method"] = d.Method
	}
	if d.PostData != nil {
		params["postData"] = base64.StdEncoding.EncodeToString(d.PostData)
	}
	if d.Headers != nil {
		params["headers"] = d.Headers
	}
	_, err := p.scope.Send(ctx, "Fetch.continueRequest", params)
	return err
}

// ContinueResponse resumes a response-stage request, applying the response
// overrides in d.
func (p *PausedRequest) ContinueResponse(ctx context.Context, d Disposition) error {
	if !p.handled.CompareAndSwap(false, true) {
		return ErrAlreadyHandled
	}
	params := map[string]any{"requestId": p.RequestID}
	if d.StatusCode != 0 {
		params["responseCode"] = d.StatusCode
	}
	if d.StatusText != "" {
		params["responsePhrase"] = d.StatusText
	}
	if d.ResponseHeaders != nil {
		params["responseHeaders"] = d.ResponseHeaders
	}
	_, err := p.scope.Send(ctx, "Fetch.continueResponse", params)
	return err
}

// FailRequest aborts the request with a network error reason.
func (p *PausedRequest) FailRequest(ctx context.Context, reason string) error {
	if !p.handled.CompareAndSwap(false, true) {
		return ErrAlreadyHandled
	}
	if reason == "" {
		reason = "Failed"
	}
	_, err := p.scope.Send(ctx, "Fetch.failRequest", map[string]any{
		"requestId":   p.RequestID,
		"errorReason": reason,
	})
	return err
}

// FulfillRequest answers the request with the given response.
func (p *PausedRequest) FulfillRequest(ctx context.Context, status int, statusText string, headers []Header, body []byte) error {
	if !p.handled.CompareAndSwap(false, true) {
		return ErrAlreadyHandled
	}
	if status == 0 {
		status = 200
	}
	params := map[string]any{
		"requestId":    p.RequestID,
		"responseCode": status,
		"body":         base64.StdEncoding.EncodeToString(body),
	}
	if statusText != "" {
		params["responsePhrase"] = statusText
	}
	if headers != nil {
		params["responseHeaders"] = headers
	}
	_, err := p.scope.Send(ctx, "Fetch.fulfillRequest", params)
	return err
}

// replaceResponse fulfills a response-stage request with a new body. Status
// and headers fall back to the ones the browser received.
func (p *PausedRequest) replaceResponse(ctx context.Context, d Disposition) error {
	status, text, headers := d.StatusCode, d.StatusText, d.ResponseHeaders
	if status == 0 {
		status, text = p.ResponseStatusCode, p.ResponseStatusText
	}
	if headers == nil {
		headers = p.ResponseHeaders
	}
	return p.FulfillRequest(ctx, status, text, headers, d.Body)
}

// apply resolves the request according to d.
func (p *PausedRequest) apply(ctx context.Context, d Disposition) error {
	switch d.Action {
	case ActionFail:
		return p.FailRequest(ctx, d.ErrorReason)
	case ActionFulfill:
		return p.FulfillRequest(ctx, d.StatusCode, d.StatusText, d.ResponseHeaders, d.Body)
	default:
		if p.IsResponseStage() {
			if d.Action == ActionModify && d.Body != nil {
				return p.replaceResponse(ctx, d)
			}
			return p.ContinueResponse(ctx, d)
		}
		return p.ContinueRequest(ctx, d)
	}
}

// Handler decides the fate of a paused request. ctx expires when the
// registry's intercept timeout elapses.
type Handler func(ctx context.Context, req *PausedRequest) Disposition

// interceptorBuffer is the capacity of an interceptor's event channel.
const interceptorBuffer = 64

// Interceptor is a persistent request interception registered on a Registry.
type Interceptor struct {
	id        string
	pattern   Pattern
	predicate func(*PausedRequest) bool
	handler   Handler
	registry  *Registry

	mu     sync.Mutex
	events chan *PausedRequest
	closed bool
	done   chan struct{}
}

// ID returns the interceptor's registry ID.
func (ic *Interceptor) ID() string {
	return ic.id
}

// Pattern returns the pattern the interceptor registered.
func (ic *Interceptor) Pattern() Pattern {
	return ic.pattern
}

// Events streams every request the interceptor matched. The channel is
// closed when the interceptor stops. Matches are dropped if the consumer
// falls behind by more than the channel capacity.
func (ic *Interceptor) Events() <-chan *PausedRequest {
	return ic.events
}

// Done is closed when the interceptor stops.
func (ic *Interceptor) Done() <-chan struct{} {
	return ic.done
}

// Stop unregisters the interceptor and narrows or disables interception.
func (ic *Interceptor) Stop(ctx context.Context) error {
	if !ic.close() {
		return nil
	}
	ic.registry.removeInterceptor(ic)
	return ic.registry.syncFetch(ctx)
}

func (ic *Interceptor) matches(p *PausedRequest) bool {
	if !ic.pattern.matches(p) {
		return false
	}
	return ic.predicate == nil || ic.predicate(p)
}

func (ic *Interceptor) publish(p *PausedRequest) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.closed {
		return
	}
	select {
	case ic.events <- p:
	default:
		ic.registry.logger.Warn("interceptor event dropped", "id", ic.id, "url", p.Request.URL)
	}
}

func (ic *Interceptor) close() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.closed {
		return false
	}
	ic.closed = true
	close(ic.events)
	close(ic.done)
	return true
}

// Intercept pauses requests matching pattern and, when predicate accepts
// them, runs handler to decide their fate. A nil predicate accepts every
// request matching the pattern; a nil handler continues the request after
// publishing it on Events.
//
// When several interceptors match one request they run in registration
// order. Modify dispositions accumulate, later fields winning; the first
// Fail or Fulfill ends the chain. A handler exceeding the intercept timeout
// ends the chain and the request continues unmodified.
func (r *Registry) Intercept(ctx context.Context, pattern Pattern, predicate func(*PausedRequest) bool, handler Handler) (*Interceptor, error) {
	if err := r.live(); err != nil {
		return nil, err
	}

	ic := &Interceptor{
		id:        uuid.NewString(),
		pattern:   pattern.normalized(),
		predicate: predicate,
		handler:   handler,
		registry:  r,
		events:    make(chan *PausedRequest, interceptorBuffer),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.interceptors = append(r.interceptors, ic)
	r.mu.Unlock()

	if err := r.syncFetch(ctx); err != nil {
		ic.close()
		r.removeInterceptor(ic)
		if serr := r.syncFetch(ctx); serr != nil {
			r.logger.Debug("failed to restore interception", "error", serr)
		}
		return nil, err
	}

	r.logger.Debug("interceptor registered", "id", ic.id, "url_pattern", ic.pattern.URLPattern, "stage", ic.pattern.RequestStage)
	return ic, nil
}

func (r *Registry) removeInterceptor(ic *Interceptor) {
	r.mu.Lock()
	r.interceptors = slices.DeleteFunc(r.interceptors, func(x *Interceptor) bool { return x == ic })
	r.mu.Unlock()
}

// fetchPatterns returns the union of the live interceptors' patterns.
func (r *Registry) fetchPatterns() []Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Pattern]bool)
	var patterns []Pattern
	for _, ic := range r.interceptors {
		if !seen[ic.pattern] {
			seen[ic.pattern] = true
			patterns = append(patterns, ic.pattern)
		}
	}
	return patterns
}

// syncFetch makes the browser's interception patterns match the registry.
func (r *Registry) syncFetch(ctx context.Context) error {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	patterns := r.fetchPatterns()
	if len(patterns) == 0 {
		if r.pausedSub != nil {
			r.pausedSub.Unsubscribe()
			r.pausedSub = nil
		}
		if !r.fetchEnabled {
			return nil
		}
		r.fetchEnabled = false
		if r.live() != nil {
			return nil
		}
		ctx, cancel := r.commandContext(ctx)
		defer cancel()
		if _, err := r.scope.Send(ctx, "Fetch.disable", nil); err != nil {
			return fmt.Errorf("disable request interception: %w", err)
		}
		return nil
	}

	if r.pausedSub == nil {
		r.pausedSub = r.scope.Subscribe("Fetch.requestPaused", r.onPaused)
	}
	ctx, cancel := r.commandContext(ctx)
	defer cancel()
	if _, err := r.scope.Send(ctx, "Fetch.enable", map[string]any{"patterns": patterns}); err != nil {
		return fmt.Errorf("enable request interception: %w", err)
	}
	r.fetchEnabled = true
	return nil
}

func (r *Registry) onPaused(evt cdp.Event) {
	p := &PausedRequest{scope: r.scope}
	if err := evt.Decode(p); err != nil {
		r.logger.Warn("skipping malformed paused request", "error", err)
		return
	}
	go r.handlePaused(p)
}

// handlePaused runs the interceptor chain for one request and resolves it.
func (r *Registry) handlePaused(p *PausedRequest) {
	r.mu.Lock()
	chain := slices.Clone(r.interceptors)
	r.mu.Unlock()

	final := Continue()
	timedOut := false
loop:
	for _, ic := range chain {
		if !ic.matches(p) {
			continue
		}
		ic.publish(p)
		if ic.handler == nil {
			continue
		}

		d, ok := r.runHandler(ic, p)
		if !ok {
			r.logger.Warn("interceptor timed out, continuing request", "id", ic.id, "url", p.Request.URL)
			final = Continue()
			timedOut = true
			break
		}
		if p.Handled() {
			break
		}
		switch d.Action {
		case ActionModify:
			final = final.merge(d)
		case ActionFail, ActionFulfill:
			final = d
			break loop
		}
	}

	ctx, cancel := r.commandContext(context.Background())
	defer cancel()
	err := p.apply(ctx, final)
	switch {
	case errors.Is(err, ErrAlreadyHandled):
	case err != nil:
		r.logger.Debug("failed to resolve paused request", "request", p.RequestID, "error", err)
	}

	result := final.Action.String()
	if timedOut {
		result = "timeout"
	}
	r.metrics.WaiterFinished("intercept", result)
}

func (r *Registry) runHandler(ic *Interceptor, p *PausedRequest) (Disposition, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.interceptTimeout)
	defer cancel()

	ch := make(chan Disposition, 1)
	go func() {
		ch <- ic.handler(ctx, p)
	}()

	select {
	case d := <-ch:
		return d, true
	case <-ctx.Done():
		return Continue(), false
	}
}

// wildcardMatch reports whether s matches a protocol URL pattern.
func wildcardMatch(pattern, s string) bool {
	p := []rune(pattern)
	str := []rune(s)
	pi, si := 0, 0
	star, mark := -1, 0

	for si < len(str) {
		if pi < len(p) {
			switch {
			case p[pi] == '*':
				star, mark = pi, si
				pi++
				continue
			case p[pi] == '?':
				pi++
				si++
				continue
			case p[pi] == '\\' && pi+1 < len(p):
				if p[pi+1] == str[si] {
					pi += 2
					si++
					continue
				}
			case p[pi] == str[si]:
				pi++
				si++
				continue
			}
		}
		if star >= 0 {
			pi = star + 1
			mark++
			si = mark
			continue
		}
		return false
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

func decodeBody(raw []byte) ([]byte, error) {
	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if !body.Base64Encoded {
		return []byte(body.Body), nil
	}
	data, err := base64.StdEncoding.DecodeString(body.Body)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return data, nil
}
