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
	"strconv"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/utils"
)

const (
	defaultMaxTotalBufferSize    = 10_000_000
	defaultMaxResourceBufferSize = 5_000_000
)

// NetworkEntry is one in-flight or finished request tracked by
// NetworkRecorder.
type NetworkEntry struct {
	RequestID   string
	Request     RequestInfo
	Response    *ResponseInfo
	DurationMS  float64
	Error       string
	ResponseBody []byte
}

// RequestInfo is the subset of Network.requestWillBeSent's params the
// recorder keeps.
type RequestInfo struct {
	URL         string
	Method      string
	Headers     map[string]string
	TimestampMS float64
}

// ResponseInfo is the subset of Network.responseReceived's params the
// recorder keeps.
type ResponseInfo struct {
	Status        int
	StatusText    string
	Headers       map[string]string
	MimeType      string
	ContentLength int64
}

// Recorder accumulates HTTP traffic observed on a page via the Network
// domain, exposing JSON and HAR v1.2 export.
type Recorder struct {
	mux sender

	mu        sync.Mutex
	recording bool
	order     []string
	entries   map[string]*NetworkEntry

	unsubscribe func()
}

// NewRecorder returns a Recorder driven by mux. Call Start to begin
// accumulating entries.
func NewRecorder(mux sender) *Recorder {
	return &Recorder{mux: mux, entries: make(map[string]*NetworkEntry)}
}

// Start enables the Network domain and begins accumulating entries.
func (r *Recorder) Start(ctx context.Context) error {
	_, err := r.mux.Send(ctx, "Network.enable", map[string]interface{}{
		"maxTotalBufferSize":    defaultMaxTotalBufferSize,
		"maxResourceBufferSize": defaultMaxResourceBufferSize,
	})
	if err != nil {
		return kinderr.New(kinderr.CDPProtocol, "Network.enable", err)
	}

	r.mu.Lock()
	r.recording = true
	r.mu.Unlock()

	events, unsubscribe := r.mux.Subscribe()
	r.unsubscribe = unsubscribe
	go r.consume(events)
	return nil
}

// Stop clears the recording flag and disables the Network domain. The
// event subscription stays registered; events are simply ignored while the
// flag is false.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.recording = false
	r.mu.Unlock()

	_, err := r.mux.Send(ctx, "Network.disable", nil)
	if err != nil {
		return kinderr.New(kinderr.CDPProtocol, "Network.disable", err)
	}
	return nil
}

func (r *Recorder) consume(events <-chan Message) {
	for ev := range events {
		r.mu.Lock()
		recording := r.recording
		r.mu.Unlock()
		if !recording {
			continue
		}
		r.handleEvent(ev)
	}
}

func (r *Recorder) handleEvent(ev Message) {
	switch ev.Method {
	case "Network.requestWillBeSent":
		r.onRequestWillBeSent(ev.Params)
	case "Network.responseReceived":
		r.onResponseReceived(ev.Params)
	case "Network.loadingFinished":
		r.onLoadingFinished(ev.Params)
	case "Network.loadingFailed":
		r.onLoadingFailed(ev.Params)
	}
}

func (r *Recorder) onRequestWillBeSent(params json.RawMessage) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		Request   struct {
			URL     string            `json:"url"`
			Method  string            `json:"method"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	entry := &NetworkEntry{
		RequestID: p.RequestID,
		Request: RequestInfo{
			URL:         p.Request.URL,
			Method:      p.Request.Method,
			Headers:     p.Request.Headers,
			TimestampMS: p.Timestamp * 1000,
		},
	}

	r.mu.Lock()
	r.order = append(r.order, p.RequestID)
	r.entries[p.RequestID] = entry
	r.mu.Unlock()
}

func (r *Recorder) onResponseReceived(params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Status     int               `json:"status"`
			StatusText string            `json:"statusText"`
			Headers    map[string]string `json:"headers"`
			MimeType   string            `json:"mimeType"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	r.mu.Lock()
	entry, ok := r.entries[p.RequestID]
	r.mu.Unlock()
	if !ok {
		return
	}

	contentLength := int64(-1)
	if utils.CanonicalMIMEHeaderKeys(headerKeys(p.Response.Headers)).Contains("content-length") {
		if cl, ok := lookupHeader(p.Response.Headers, "content-length"); ok {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				contentLength = n
			}
		}
	}

	r.mu.Lock()
	entry.Response = &ResponseInfo{
		Status:        p.Response.Status,
		StatusText:    p.Response.StatusText,
		Headers:       p.Response.Headers,
		MimeType:      p.Response.MimeType,
		ContentLength: contentLength,
	}
	r.mu.Unlock()
}

func (r *Recorder) onLoadingFinished(params json.RawMessage) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	r.mu.Lock()
	entry, ok := r.entries[p.RequestID]
	if ok {
		entry.DurationMS = p.Timestamp*1000 - entry.Request.TimestampMS
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if body, err := r.fetchResponseBody(p.RequestID); err == nil {
		r.mu.Lock()
		entry.ResponseBody = body
		r.mu.Unlock()
	}
}

// fetchResponseBody attempts Network.getResponseBody; a 404-equivalent
// protocol error for 204s and redirects is expected and ignored.
func (r *Recorder) fetchResponseBody(requestID string) ([]byte, error) {
	result, err := r.mux.Send(context.Background(), "Network.getResponseBody", map[string]interface{}{"requestId": requestID})
	if err != nil {
		return nil, err
	}
	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, err
	}
	if body.Base64Encoded {
		return base64.StdEncoding.DecodeString(body.Body)
	}
	return []byte(body.Body), nil
}

func (r *Recorder) onLoadingFailed(params json.RawMessage) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		ErrorText string  `json:"errorText"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	r.mu.Lock()
	entry, ok := r.entries[p.RequestID]
	if ok {
		entry.DurationMS = p.Timestamp*1000 - entry.Request.TimestampMS
		entry.Error = p.ErrorText
	}
	r.mu.Unlock()
}

// Entries returns a snapshot of every tracked entry, in insertion order.
func (r *Recorder) Entries() []*NetworkEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*NetworkEntry, 0, len(r.order))
	for _, id := range r.order {
		if entry, ok := r.entries[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

func lookupHeader(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if utils.CompareHeaderKey(k, key) {
			return v, true
		}
	}
	return "", false
}

func headerKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	return keys
}

// harCreatorName/harCreatorVersion identify this implementation in
// HARLog.Creator.
const (
	harCreatorName    = "sshbrowser-network-recorder"
	harCreatorVersion = "1.0"
)

// HARLog is a v1.2 HTTP Archive log.
type HARLog struct {
	Log HARLogBody `json:"log"`
}

type HARLogBody struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type HARHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HAREntry struct {
	StartedDateTime string       `json:"startedDateTime"`
	Time            float64      `json:"time"`
	Request         HARRequest   `json:"request"`
	Response        HARResponse  `json:"response"`
}

type HARRequest struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Headers  []HARHeader `json:"headers"`
	PostData *HARPostData `json:"postData,omitempty"`
}

type HARPostData struct {
	MimeType string `json:"mimeType"`
}

type HARResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	Headers     []HARHeader `json:"headers"`
	Content     HARContent  `json:"content"`
}

type HARContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// ExportHAR renders every entry that has a response as a HAR v1.2 log.
// Header names are canonicalized and sorted via utils.CanonicalMIMEHeaderKeys
// so the output is deterministic regardless of the casing CDP reported.
func (r *Recorder) ExportHAR() HARLog {
	entries := r.Entries()
	harEntries := make([]HAREntry, 0, len(entries))

	for _, entry := range entries {
		if entry.Response == nil {
			continue
		}

		mimeType, _ := lookupHeader(entry.Request.Headers, "content-type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		harEntries = append(harEntries, HAREntry{
			Time: entry.DurationMS,
			Request: HARRequest{
				Method:   entry.Request.Method,
				URL:      entry.Request.URL,
				Headers:  renderHeaders(entry.Request.Headers),
				PostData: &HARPostData{MimeType: mimeType},
			},
			Response: HARResponse{
				Status:     entry.Response.Status,
				StatusText: entry.Response.StatusText,
				Headers:    renderHeaders(entry.Response.Headers),
				Content: HARContent{
					Size:     entry.Response.ContentLength,
					MimeType: entry.Response.MimeType,
					Text:     string(entry.ResponseBody),
				},
			},
		})
	}

	return HARLog{Log: HARLogBody{
		Version: "1.2",
		Creator: HARCreator{Name: harCreatorName, Version: harCreatorVersion},
		Entries: harEntries,
	}}
}

// renderHeaders renders a header map as ordered [{name, value}, …] using
// the canonical key ordering helper shared with the HTTP layer.
func renderHeaders(headers map[string]string) []HARHeader {
	canonical := utils.CanonicalMIMEHeaderKeys(headerKeys(headers))
	slices.SortFunc(canonical, func(a, b string) bool { return a < b })

	out := make([]HARHeader, 0, len(canonical))
	seen := make(map[string]bool, len(canonical))
	for _, k := range canonical {
		if seen[k] {
			continue
		}
		seen[k] = true
		if v, ok := lookupHeader(headers, k); ok {
			out = append(out, HARHeader{Name: k, Value: v})
		}
	}
	return out
}

// ExportJSON is the JSON-export variant: every tracked entry (not only
// those with a response), suitable for a live-progress view rather than a
// post-hoc archive.
func (r *Recorder) ExportJSON() ([]byte, error) {
	return json.Marshal(r.Entries())
}
