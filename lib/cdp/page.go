/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

// WaitUntil selects which lifecycle event Navigate/Reload waits for.
type WaitUntil string

const (
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// DefaultNavigationTimeout is used when NavigateOptions.Timeout is zero.
const DefaultNavigationTimeout = 30 * time.Second

// networkIdleQuiet is how long no Network.* event must have fired for the
// page to be considered network-idle.
const networkIdleQuiet = 500 * time.Millisecond

const waitForSelectorPollInterval = 100 * time.Millisecond

// sender is the slice of Mux that PageAdapter depends on, so it can be
// tested against a fake without a real websocket.
type sender interface {
	Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Subscribe() (<-chan Message, func())
}

// NavigateOptions configures Navigate/Reload.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// historyEntry is the parsed subset of Page.getNavigationHistory's entries
// the adapter needs for back/forward.
type historyEntry struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

type navigationHistory struct {
	CurrentIndex int64          `json:"currentIndex"`
	Entries      []historyEntry `json:"entries"`
}

// PageAdapter exposes navigation, screenshot, evaluate, and DOM interaction
// over one CDP target, tracking Network.* activity for the networkidle
// wait state.
type PageAdapter struct {
	mux sender

	enableOnce sync.Once
	enableErr  error

	mu              sync.Mutex
	lastNetworkTime time.Time
}

// NewPageAdapter returns an adapter driven by mux. Call Enable before any
// other operation.
func NewPageAdapter(mux sender) *PageAdapter {
	return &PageAdapter{mux: mux}
}

// Enable sends Page.enable, Runtime.enable, and DOM.enable in parallel; all
// must succeed. Enable is safe to call more than once; only the first call
// does any work.
func (p *PageAdapter) Enable(ctx context.Context) error {
	p.enableOnce.Do(func() {
		p.enableErr = p.enableDomains(ctx)
		if p.enableErr == nil {
			go p.trackNetworkActivity()
		}
	})
	return p.enableErr
}

func (p *PageAdapter) enableDomains(ctx context.Context) error {
	domains := []string{"Page.enable", "Runtime.enable", "DOM.enable"}
	errs := make(chan error, len(domains))
	for _, method := range domains {
		method := method
		go func() {
			_, err := p.mux.Send(ctx, method, nil)
			errs <- err
		}()
	}
	for range domains {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

// trackNetworkActivity subscribes to Network.* events for the networkidle
// wait state's "time since last event" measurement. It runs for the
// lifetime of the adapter.
func (p *PageAdapter) trackNetworkActivity() {
	events, unsubscribe := p.mux.Subscribe()
	defer unsubscribe()
	for ev := range events {
		if len(ev.Method) > 8 && ev.Method[:8] == "Network." {
			p.mu.Lock()
			p.lastNetworkTime = time.Now()
			p.mu.Unlock()
		}
	}
}

// Navigate sends Page.navigate and waits for the requested lifecycle event.
func (p *PageAdapter) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.mux.Send(navCtx, "Page.navigate", map[string]interface{}{"url": url})
	if err != nil {
		return kinderr.New(kinderr.PageNavFailed, "Page.navigate", err)
	}
	var navResult struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(result, &navResult); err == nil && navResult.ErrorText != "" {
		return kinderr.New(kinderr.PageNavFailed, navResult.ErrorText, nil)
	}

	return p.waitForLifecycle(navCtx, opts.WaitUntil)
}

func (p *PageAdapter) waitForLifecycle(ctx context.Context, waitUntil WaitUntil) error {
	switch waitUntil {
	case "", WaitLoad:
		return p.waitForEvent(ctx, "Page.loadEventFired")
	case WaitDOMContentLoaded:
		return p.waitForEvent(ctx, "Page.domContentEventFired")
	case WaitNetworkIdle:
		return p.waitForNetworkIdle(ctx)
	default:
		return p.waitForEvent(ctx, "Page.loadEventFired")
	}
}

func (p *PageAdapter) waitForEvent(ctx context.Context, method string) error {
	events, unsubscribe := p.mux.Subscribe()
	defer unsubscribe()
	for {
		select {
		case ev := <-events:
			if ev.Method == method {
				return nil
			}
		case <-ctx.Done():
			return kinderr.New(kinderr.PageNavTimeout, "waiting for "+method, ctx.Err())
		}
	}
}

// waitForNetworkIdle polls until networkIdleQuiet has elapsed since the
// last observed Network.* event, bounded by ctx's deadline.
func (p *PageAdapter) waitForNetworkIdle(ctx context.Context) error {
	p.mu.Lock()
	p.lastNetworkTime = time.Now()
	p.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			quiet := time.Since(p.lastNetworkTime)
			p.mu.Unlock()
			if quiet >= networkIdleQuiet {
				return nil
			}
		case <-ctx.Done():
			return kinderr.New(kinderr.PageNavTimeout, "waiting for networkidle", ctx.Err())
		}
	}
}

// Reload sends Page.reload and waits for the requested lifecycle event, the
// same as Navigate.
func (p *PageAdapter) Reload(ctx context.Context, opts NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := p.mux.Send(navCtx, "Page.reload", nil); err != nil {
		return kinderr.New(kinderr.PageNavFailed, "Page.reload", err)
	}
	return p.waitForLifecycle(navCtx, opts.WaitUntil)
}

// Back navigates to the previous history entry, or no-ops if there is none.
func (p *PageAdapter) Back(ctx context.Context) error {
	return p.navigateHistory(ctx, -1)
}

// Forward navigates to the next history entry, or no-ops if there is none.
func (p *PageAdapter) Forward(ctx context.Context) error {
	return p.navigateHistory(ctx, 1)
}

func (p *PageAdapter) navigateHistory(ctx context.Context, delta int64) error {
	result, err := p.mux.Send(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return kinderr.New(kinderr.PageNavFailed, "Page.getNavigationHistory", err)
	}
	var history navigationHistory
	if err := json.Unmarshal(result, &history); err != nil {
		return kinderr.New(kinderr.PageNavFailed, "parsing navigation history", err)
	}

	targetIndex := history.CurrentIndex + delta
	if targetIndex < 0 || targetIndex >= int64(len(history.Entries)) {
		return nil
	}

	entry := history.Entries[targetIndex]
	if _, err := p.mux.Send(ctx, "Page.navigateToHistoryEntry", map[string]interface{}{"entryId": entry.ID}); err != nil {
		return kinderr.New(kinderr.PageNavFailed, "Page.navigateToHistoryEntry", err)
	}
	return p.waitForEvent(ctx, "Page.loadEventFired")
}

// ScreenshotFormat is one of the three CDP-supported image encodings.
type ScreenshotFormat string

const (
	FormatPNG  ScreenshotFormat = "png"
	FormatJPEG ScreenshotFormat = "jpeg"
	FormatWebP ScreenshotFormat = "webp"
)

// ScreenshotOptions configures Screenshot.
type ScreenshotOptions struct {
	Format   ScreenshotFormat
	Quality  int
	FullPage bool
}

// Screenshot captures the page as raw image bytes.
func (p *PageAdapter) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	params := map[string]interface{}{"format": string(opts.Format)}
	if opts.Format == FormatJPEG || opts.Format == FormatWebP {
		params["quality"] = opts.Quality
	}

	if opts.FullPage {
		metricsResult, err := p.mux.Send(ctx, "Page.getLayoutMetrics", nil)
		if err != nil {
			return nil, kinderr.New(kinderr.PageEvalFailed, "Page.getLayoutMetrics", err)
		}
		var metrics struct {
			ContentSize struct {
				Width  float64 `json:"width"`
				Height float64 `json:"height"`
			} `json:"contentSize"`
		}
		if err := json.Unmarshal(metricsResult, &metrics); err != nil {
			return nil, kinderr.New(kinderr.PageEvalFailed, "parsing layout metrics", err)
		}
		params["clip"] = map[string]interface{}{
			"x": 0, "y": 0,
			"width": metrics.ContentSize.Width, "height": metrics.ContentSize.Height,
			"scale": 1,
		}
		params["captureBeyondViewport"] = true
	}

	result, err := p.mux.Send(ctx, "Page.captureScreenshot", params)
	if err != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, "Page.captureScreenshot", err)
	}
	var captureResult struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &captureResult); err != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, "parsing screenshot response", err)
	}
	raw, err := base64.StdEncoding.DecodeString(captureResult.Data)
	if err != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, "decoding screenshot body", err)
	}
	return raw, nil
}

// Evaluate runs expression in the page and returns its value.
func (p *PageAdapter) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	result, err := p.mux.Send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, "Runtime.evaluate", err)
	}
	var evalResult struct {
		Result          json.RawMessage `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResult); err != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, "parsing evaluate response", err)
	}
	if evalResult.ExceptionDetails != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, evalResult.ExceptionDetails.Text, nil)
	}

	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(evalResult.Result, &wrapped); err != nil {
		return nil, kinderr.New(kinderr.PageEvalFailed, "parsing evaluate result value", err)
	}
	return wrapped.Value, nil
}

// Title returns document.title via Evaluate, the GUI boundary's source for
// the {url, title} navigate/reload response shape.
func (p *PageAdapter) Title(ctx context.Context) (string, error) {
	value, err := p.Evaluate(ctx, "document.title")
	if err != nil {
		return "", err
	}
	var title string
	if err := json.Unmarshal(value, &title); err != nil {
		return "", kinderr.New(kinderr.PageEvalFailed, "parsing document.title", err)
	}
	return title, nil
}

// CurrentURL returns location.href via Evaluate.
func (p *PageAdapter) CurrentURL(ctx context.Context) (string, error) {
	value, err := p.Evaluate(ctx, "location.href")
	if err != nil {
		return "", err
	}
	var url string
	if err := json.Unmarshal(value, &url); err != nil {
		return "", kinderr.New(kinderr.PageEvalFailed, "parsing location.href", err)
	}
	return url, nil
}

// QuerySelector resolves a CSS selector under root (the document root when
// rootNodeID is zero) to a nodeId, or zero if no match exists.
func (p *PageAdapter) QuerySelector(ctx context.Context, rootNodeID int64, selector string) (int64, error) {
	if rootNodeID == 0 {
		docResult, err := p.mux.Send(ctx, "DOM.getDocument", nil)
		if err != nil {
			return 0, kinderr.New(kinderr.PageEvalFailed, "DOM.getDocument", err)
		}
		var doc struct {
			Root struct {
				NodeID int64 `json:"nodeId"`
			} `json:"root"`
		}
		if err := json.Unmarshal(docResult, &doc); err != nil {
			return 0, kinderr.New(kinderr.PageEvalFailed, "parsing document root", err)
		}
		rootNodeID = doc.Root.NodeID
	}

	result, err := p.mux.Send(ctx, "DOM.querySelector", map[string]interface{}{"nodeId": rootNodeID, "selector": selector})
	if err != nil {
		return 0, kinderr.New(kinderr.PageEvalFailed, "DOM.querySelector", err)
	}
	var querySelectorResult struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := json.Unmarshal(result, &querySelectorResult); err != nil {
		return 0, kinderr.New(kinderr.PageEvalFailed, "parsing query selector result", err)
	}
	return querySelectorResult.NodeID, nil
}

// WaitForSelector polls QuerySelector every 100ms until it resolves to a
// nonzero nodeId or ctx is done.
func (p *PageAdapter) WaitForSelector(ctx context.Context, selector string) (int64, error) {
	ticker := time.NewTicker(waitForSelectorPollInterval)
	defer ticker.Stop()
	for {
		nodeID, err := p.QuerySelector(ctx, 0, selector)
		if err == nil && nodeID != 0 {
			return nodeID, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, kinderr.New(kinderr.PageEvalFailed, "waiting for selector "+selector, ctx.Err())
		}
	}
}

// SetViewport applies a device metrics override.
func (p *PageAdapter) SetViewport(ctx context.Context, width, height int, deviceScaleFactor float64, mobile bool) error {
	_, err := p.mux.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width": width, "height": height,
		"deviceScaleFactor": deviceScaleFactor,
		"mobile":            mobile,
	})
	if err != nil {
		return kinderr.New(kinderr.PageEvalFailed, "Emulation.setDeviceMetricsOverride", err)
	}
	return nil
}

// Click dispatches a synthetic mouse click at (x, y).
func (p *PageAdapter) Click(ctx context.Context, x, y float64) error {
	for _, eventType := range []string{"mousePressed", "mouseReleased"} {
		_, err := p.mux.Send(ctx, "Input.dispatchMouseEvent", map[string]interface{}{
			"type": eventType, "x": x, "y": y, "button": "left", "clickCount": 1,
		})
		if err != nil {
			return kinderr.New(kinderr.PageEvalFailed, "Input.dispatchMouseEvent", err)
		}
	}
	return nil
}

// Type dispatches one keyDown+keyUp pair per rune of text.
func (p *PageAdapter) Type(ctx context.Context, text string) error {
	for _, r := range text {
		for _, eventType := range []string{"keyDown", "keyUp"} {
			_, err := p.mux.Send(ctx, "Input.dispatchKeyEvent", map[string]interface{}{
				"type": eventType, "text": string(r),
			})
			if err != nil {
				return kinderr.New(kinderr.PageEvalFailed, "Input.dispatchKeyEvent", err)
			}
		}
	}
	return nil
}
