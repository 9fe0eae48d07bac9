package waiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantcarthew/webdrive/internal/cdp"
	"github.com/grantcarthew/webdrive/internal/cdp/cdptest"
)

func newSession(t *testing.T) (*cdptest.Conn, *cdp.Client, *cdp.Session) {
	t.Helper()
	conn := cdptest.New()
	client := cdp.NewClient(conn)
	t.Cleanup(func() { _ = client.Close() })

	sess, err := client.NewSession("S1", "T1")
	require.NoError(t, err)
	return conn, client, sess
}

func responseEvent(url string) map[string]any {
	return cdptest.Event("Network.responseReceived", "S1", map[string]any{
		"requestId": url,
		"response":  map[string]any{"url": url, "status": 200},
	})
}

func urlContains(fragment string) func(cdp.Event) bool {
	return func(evt cdp.Event) bool {
		var p ResponseReceived
		if err := evt.Decode(&p); err != nil {
			return false
		}
		return strings.Contains(p.Response.URL, fragment)
	}
}

func TestExpect_ResolvesWithOnlyMatchingEvent(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Network.responseReceived", urlContains("/api"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	conn.Emit(
		responseEvent("https://example.com/index.html"),
		responseEvent("https://example.com/api/items"),
		responseEvent("https://example.com/style.css"),
	)

	evt, err := w.Wait(context.Background())
	require.NoError(t, err)

	var p ResponseReceived
	require.NoError(t, evt.Decode(&p))
	assert.Equal(t, "https://example.com/api/items", p.Response.URL)

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExpect_ResolvesExactlyOnce(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Page.frameNavigated", nil, time.Second)
	require.NoError(t, err)

	conn.Emit(
		cdptest.Event("Page.frameNavigated", "S1", map[string]string{"frame": "first"}),
		cdptest.Event("Page.frameNavigated", "S1", map[string]string{"frame": "second"}),
	)

	evt, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"frame":"first"}`, string(evt.Params))

	// Later events and cancellation leave the settled result untouched.
	time.Sleep(20 * time.Millisecond)
	w.Cancel()
	again, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"frame":"first"}`, string(again.Params))
}

func TestExpect_IgnoresOtherSessions(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Page.loadEventFired", nil, 100*time.Millisecond)
	require.NoError(t, err)

	conn.Emit(
		cdptest.Event("Page.loadEventFired", "", nil),
		cdptest.Event("Page.loadEventFired", "S9", nil),
	)

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrWaiterTimeout)
}

func TestExpect_Timeout(t *testing.T) {
	t.Parallel()

	_, _, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Page.loadEventFired", nil, 30*time.Millisecond)
	require.NoError(t, err)

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrWaiterTimeout)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExpect_Cancel(t *testing.T) {
	t.Parallel()

	_, _, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Page.loadEventFired", nil, 0)
	require.NoError(t, err)

	w.Cancel()
	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, reg.Len())
}

func TestExpect_WaitContextDoesNotCancel(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Page.loadEventFired", nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	conn.Emit(cdptest.Event("Page.loadEventFired", "S1", nil))
	_, err = w.Wait(context.Background())
	assert.NoError(t, err)
}

func TestExpect_ScopeTeardownFailsWaiter(t *testing.T) {
	t.Parallel()

	_, client, sess := newSession(t)
	reg := New(sess)

	w, err := reg.Expect("Page.loadEventFired", nil, 0)
	require.NoError(t, err)

	client.CloseSession("S1", cdp.ErrTargetGone)

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, cdp.ErrTargetGone)

	_, err = reg.Expect("Page.loadEventFired", nil, 0)
	assert.ErrorIs(t, err, cdp.ErrTargetGone)
}

func TestExpect_ConnectionLossFailsRootWaiter(t *testing.T) {
	t.Parallel()

	conn := cdptest.New()
	client := cdp.NewClient(conn)
	defer client.Close()

	reg := New(client.Root())
	w, err := reg.Expect("Target.targetCreated", nil, 0)
	require.NoError(t, err)

	conn.Drop(errors.New("eof"))

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
}

func TestReset_CancelsEverything(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	w1, err := reg.Expect("Page.loadEventFired", nil, 0)
	require.NoError(t, err)
	w2, err := reg.Expect("Page.frameNavigated", nil, 0)
	require.NoError(t, err)
	ic, err := reg.Intercept(context.Background(), Pattern{URLPattern: "*"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Reset(context.Background()))

	for _, w := range []*Waiter{w1, w2} {
		_, err := w.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	}
	select {
	case <-ic.Done():
	default:
		t.Fatal("interceptor not stopped by reset")
	}
	assert.Len(t, conn.CallsTo("Fetch.disable"), 1)
	assert.Equal(t, 0, reg.Len())

	// A second reset has nothing left to disable.
	require.NoError(t, reg.Reset(context.Background()))
	assert.Len(t, conn.CallsTo("Fetch.disable"), 1)
}

func TestExpectResponse_FollowsRequestToBody(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	conn.Handle("Network.getResponseBody", func(c cdptest.Call) []any {
		return []any{c.Result(map[string]any{"body": "eyJvayI6dHJ1ZX0=", "base64Encoded": true})}
	})
	reg := New(sess)

	exp, err := reg.ExpectResponse(regexpMust(`https://example\.com/api/.*`), time.Second)
	require.NoError(t, err)

	conn.Emit(
		cdptest.Event("Network.requestWillBeSent", "S1", map[string]any{
			"requestId": "R0", "request": map[string]string{"url": "https://example.com/"},
		}),
		cdptest.Event("Network.requestWillBeSent", "S1", map[string]any{
			"requestId": "R1", "request": map[string]string{"url": "https://example.com/api/x", "method": "GET"},
		}),
		cdptest.Event("Network.responseReceived", "S1", map[string]any{
			"requestId": "R0", "response": map[string]any{"url": "https://example.com/", "status": 200},
		}),
		cdptest.Event("Network.responseReceived", "S1", map[string]any{
			"requestId": "R1", "response": map[string]any{"url": "https://example.com/api/x", "status": 201},
		}),
		cdptest.Event("Network.loadingFinished", "S1", map[string]any{"requestId": "R1"}),
	)

	resp, err := exp.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "R1", resp.RequestID)
	assert.Equal(t, 201, resp.Response.Status)

	req, err := exp.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Request.Method)

	body, err := exp.ResponseBody(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	calls := conn.CallsTo("Network.getResponseBody")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"requestId":"R1"}`, string(calls[0].Params))
}

func TestExpectRequest_RequiresFullMatch(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	exp, err := reg.ExpectRequest(regexpMust(`/api`), 50*time.Millisecond)
	require.NoError(t, err)

	conn.Emit(cdptest.Event("Network.requestWillBeSent", "S1", map[string]any{
		"requestId": "R1", "request": map[string]string{"url": "https://example.com/api"},
	}))

	_, err = exp.Value(context.Background())
	assert.ErrorIs(t, err, ErrWaiterTimeout)
	_, err = exp.LoadingFinished(context.Background())
	assert.ErrorIs(t, err, ErrWaiterTimeout)
}

func TestExpectResponse_LoadingFailed(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	exp, err := reg.ExpectResponse(regexpMust(`.*/broken`), time.Second)
	require.NoError(t, err)

	conn.Emit(
		cdptest.Event("Network.requestWillBeSent", "S1", map[string]any{
			"requestId": "R1", "request": map[string]string{"url": "https://example.com/broken"},
		}),
		cdptest.Event("Network.loadingFailed", "S1", map[string]any{"requestId": "R1", "errorText": "net::ERR_FAILED"}),
	)

	_, err = exp.Value(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "net::ERR_FAILED")
	_, err = exp.Request(context.Background())
	assert.NoError(t, err)
}

func TestExpectDownload(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	reg := New(sess)

	exp, err := reg.ExpectDownload(context.Background(), time.Second)
	require.NoError(t, err)

	calls := conn.CallsTo("Browser.setDownloadBehavior")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"behavior":"deny","eventsEnabled":true}`, string(calls[0].Params))

	conn.Emit(cdptest.Event("Browser.downloadWillBegin", "S1", map[string]string{
		"guid": "G1", "url": "https://example.com/file.zip", "suggestedFilename": "file.zip",
	}))

	dl, err := exp.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file.zip", dl.SuggestedFilename)

	require.NoError(t, exp.Close(context.Background()))
	calls = conn.CallsTo("Browser.setDownloadBehavior")
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"behavior":"default"}`, string(calls[1].Params))
}

func TestExpectDownload_SetupFailure(t *testing.T) {
	t.Parallel()

	conn, _, sess := newSession(t)
	conn.Handle("Browser.setDownloadBehavior", func(c cdptest.Call) []any {
		return []any{c.Error(-32000, "Browser context management is not supported")}
	})
	reg := New(sess)

	_, err := reg.ExpectDownload(context.Background(), time.Second)
	var protoErr *cdp.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}
