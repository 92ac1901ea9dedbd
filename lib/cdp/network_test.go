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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorderTracksRequestLifecycle(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.responses["Network.getResponseBody"] = json.RawMessage(`{"body":"hello","base64Encoded":false}`)
	rec := NewRecorder(sender)
	require.NoError(t, rec.Start(context.Background()))

	sender.emit(Message{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{
		"requestId":"r1","timestamp":1.0,
		"request":{"url":"https://example.com/","method":"GET","headers":{"Content-Type":"text/html"}}
	}`)})
	sender.emit(Message{Method: "Network.responseReceived", Params: json.RawMessage(`{
		"requestId":"r1",
		"response":{"status":200,"statusText":"OK","headers":{"Content-Length":"5"},"mimeType":"text/html"}
	}`)})
	sender.emit(Message{Method: "Network.loadingFinished", Params: json.RawMessage(`{"requestId":"r1","timestamp":1.2}`)})

	require.Eventually(t, func() bool {
		entries := rec.Entries()
		return len(entries) == 1 && entries[0].Response != nil && entries[0].ResponseBody != nil
	}, time.Second, 5*time.Millisecond)

	entries := rec.Entries()
	require.Equal(t, int64(5), entries[0].Response.ContentLength)
	require.Equal(t, "hello", string(entries[0].ResponseBody))
	require.InDelta(t, 200.0, entries[0].DurationMS, 0.001)
}

func TestRecorderIgnoresEventsWhileStopped(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	rec := NewRecorder(sender)
	require.NoError(t, rec.Start(context.Background()))
	require.NoError(t, rec.Stop(context.Background()))

	sender.emit(Message{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{"requestId":"r1","timestamp":1.0,"request":{"url":"https://x","method":"GET"}}`)})
	time.Sleep(20 * time.Millisecond)

	require.Empty(t, rec.Entries())
}

func TestExportHAROnlyIncludesEntriesWithResponse(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	rec := NewRecorder(sender)
	require.NoError(t, rec.Start(context.Background()))

	sender.emit(Message{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{"requestId":"pending","timestamp":1.0,"request":{"url":"https://pending","method":"GET"}}`)})
	sender.emit(Message{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{"requestId":"done","timestamp":1.0,"request":{"url":"https://done","method":"GET","headers":{"Content-Type":"application/json"}}}`)})
	sender.emit(Message{Method: "Network.responseReceived", Params: json.RawMessage(`{"requestId":"done","response":{"status":200,"statusText":"OK","headers":{},"mimeType":"application/json"}}`)})

	require.Eventually(t, func() bool {
		for _, e := range rec.Entries() {
			if e.RequestID == "done" && e.Response != nil {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	har := rec.ExportHAR()
	require.Equal(t, "1.2", har.Log.Version)
	require.Len(t, har.Log.Entries, 1)
	require.Equal(t, "https://done", har.Log.Entries[0].Request.URL)
	require.Equal(t, "application/json", har.Log.Entries[0].Request.PostData.MimeType)
}

func TestExportHARIncludesResponseBodyText(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.responses["Network.getResponseBody"] = json.RawMessage(`{"body":"hello world","base64Encoded":false}`)
	rec := NewRecorder(sender)
	require.NoError(t, rec.Start(context.Background()))

	sender.emit(Message{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{
		"requestId":"r1","timestamp":1.0,
		"request":{"url":"https://example.com/","method":"GET"}
	}`)})
	sender.emit(Message{Method: "Network.responseReceived", Params: json.RawMessage(`{
		"requestId":"r1",
		"response":{"status":200,"statusText":"OK","headers":{},"mimeType":"text/plain"}
	}`)})
	sender.emit(Message{Method: "Network.loadingFinished", Params: json.RawMessage(`{"requestId":"r1","timestamp":1.1}`)})

	require.Eventually(t, func() bool {
		entries := rec.Entries()
		return len(entries) == 1 && entries[0].ResponseBody != nil
	}, time.Second, 5*time.Millisecond)

	har := rec.ExportHAR()
	require.Len(t, har.Log.Entries, 1)
	require.Equal(t, "hello world", har.Log.Entries[0].Response.Content.Text)
}
