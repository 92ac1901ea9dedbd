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

package webapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/gravitational-student/sshbrowser/lib/cdp"
	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

func (h *Handler) activePage() (*cdp.PageAdapter, error) {
	page := h.cfg.Orchestrator.Page()
	if page == nil {
		return nil, kinderr.New(kinderr.SessionNotActive, "no active session", nil)
	}
	return page, nil
}

type navigateRequest struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

func (h *Handler) browserNavigate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	page, err := h.activePage()
	if err != nil {
		return nil, err
	}
	var req navigateRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, kinderr.NewValidationError("url", "must not be empty")
	}

	opts := cdp.NavigateOptions{WaitUntil: cdp.WaitUntil(req.WaitUntil)}
	if req.Timeout > 0 {
		opts.Timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := page.Navigate(ctx, req.URL, opts); err != nil {
		return nil, err
	}
	title, _ := page.Title(ctx)
	return map[string]string{"url": req.URL, "title": title}, nil
}

func (h *Handler) browserBack(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	page, err := h.activePage()
	if err != nil {
		return nil, err
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := page.Back(ctx); err != nil {
		return nil, err
	}
	url, _ := page.CurrentURL(ctx)
	return map[string]string{"url": url}, nil
}

func (h *Handler) browserForward(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	page, err := h.activePage()
	if err != nil {
		return nil, err
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := page.Forward(ctx); err != nil {
		return nil, err
	}
	url, _ := page.CurrentURL(ctx)
	return map[string]string{"url": url}, nil
}

func (h *Handler) browserReload(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	page, err := h.activePage()
	if err != nil {
		return nil, err
	}
	var req navigateRequest
	_ = readJSON(r, &req)

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := page.Reload(ctx, cdp.NavigateOptions{WaitUntil: cdp.WaitUntil(req.WaitUntil)}); err != nil {
		return nil, err
	}
	url, _ := page.CurrentURL(ctx)
	return map[string]string{"url": url}, nil
}

type screenshotRequest struct {
	Format   string `json:"format,omitempty"`
	Quality  int    `json:"quality,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
}

func (h *Handler) browserScreenshot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	page, err := h.activePage()
	if err != nil {
		return nil, err
	}
	var req screenshotRequest
	_ = readJSON(r, &req)

	format := cdp.FormatPNG
	if req.Format != "" {
		format = cdp.ScreenshotFormat(req.Format)
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	data, err := page.Screenshot(ctx, cdp.ScreenshotOptions{Format: format, Quality: req.Quality, FullPage: req.FullPage})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"data":   base64.StdEncoding.EncodeToString(data),
		"format": string(format),
	}, nil
}

type evaluateRequest struct {
	Expression string `json:"expression"`
}

func (h *Handler) browserEvaluate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	page, err := h.activePage()
	if err != nil {
		return nil, err
	}
	var req evaluateRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	result, err := page.Evaluate(ctx, req.Expression)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{"result": result}, nil
}
