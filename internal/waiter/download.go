package waiter

import (
	"context"
	"fmt"
	"time"
)

// DownloadWillBegin is the Browser.downloadWillBegin event.
type DownloadWillBegin struct {
	FrameID           string `json:"frameId"`
	GUID              string `json:"guid"`
	URL               string `json:"url"`
	SuggestedFilename string `json:"suggestedFilename"`
}

// DownloadExpectation waits for the next download while downloads are
// denied, so nothing is written to disk.
type DownloadExpectation struct {
	registry *Registry
	waiter   *Waiter
}

// ExpectDownload denies downloads with events enabled and expects the next
// Browser.downloadWillBegin. Close restores the default download behavior.
func (r *Registry) ExpectDownload(ctx context.Context, timeout time.Duration) (*DownloadExpectation, error) {
	w, err := r.Expect("Browser.downloadWillBegin", nil, timeout)
	if err != nil {
		return nil, err
	}

	cctx, cancel := r.commandContext(ctx)
	defer cancel()
	_, err = r.scope.Send(cctx, "Browser.setDownloadBehavior", map[string]any{
		"behavior":      "deny",
		"eventsEnabled": true,
	})
	if err != nil {
		w.Cancel()
		return nil, fmt.Errorf("deny downloads: %w", err)
	}

	return &DownloadExpectation{registry: r, waiter: w}, nil
}

// Value waits for the download to begin.
func (d *DownloadExpectation) Value(ctx context.Context) (DownloadWillBegin, error) {
	evt, err := d.waiter.Wait(ctx)
	if err != nil {
		return DownloadWillBegin{}, err
	}
	var v DownloadWillBegin
	if err := evt.Decode(&v); err != nil {
		return DownloadWillBegin{}, err
	}
	return v, nil
}

// Done is closed once the download began or the expectation ended.
func (d *DownloadExpectation) Done() <-chan struct{} {
	return d.waiter.Done()
}

// Close cancels the expectation if still pending and restores the default
// download behavior.
func (d *DownloadExpectation) Close(ctx context.Context) error {
	d.waiter.Cancel()
	if d.registry.live() != nil {
		return nil
	}

	ctx, cancel := d.registry.commandContext(ctx)
	defer cancel()
	if _, err := d.registry.scope.Send(ctx, "Browser.setDownloadBehavior", map[string]any{"behavior": "default"}); err != nil {
		return fmt.Errorf("restore download behavior: %w", err)
	}
	return nil
}
