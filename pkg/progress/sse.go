// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package progress

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"
)

// SSESink broadcasts progress events over Server-Sent Events, one
// stream per batch id. Clients subscribe with ?stream=<batch_id>.
type SSESink struct {
	mu      sync.Mutex
	server  *sse.Server
	streams map[string]bool
}

// NewSSESink creates an SSE sink with auto-replay disabled; progress
// events are transient and late subscribers only need future events.
func NewSSESink() *SSESink {
	server := sse.New()
	server.AutoReplay = false
	return &SSESink{
		server:  server,
		streams: make(map[string]bool),
	}
}

// ServeHTTP exposes the SSE endpoint.
func (s *SSESink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.ServeHTTP(w, r)
}

// Publish sends the event on the batch's stream, creating the stream on
// first use.
func (s *SSESink) Publish(batchID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.streams[batchID] {
		s.server.CreateStream(batchID)
		s.streams[batchID] = true
	}
	s.mu.Unlock()

	s.server.Publish(batchID, &sse.Event{
		Event: []byte(event.Type),
		Data:  payload,
	})
	return nil
}

// Close shuts down the SSE server and all streams.
func (s *SSESink) Close() {
	s.server.Close()
}

var _ Sink = (*SSESink)(nil)
