// Copyright 2023 Blyss
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testing

import (
	"fmt"
	"sync"
	"testing"
)

// GetResponse represents a programmed response to a Get request: a body or an
// error, served Occurrences times before moving to the next response.
type GetResponse struct {
	Occurrences int
	Body        []byte
	Error       error
}

// Getter represents a static server for request/respond url -> body contents.
type Getter struct {
	mu        sync.Mutex
	Responses map[string][]GetResponse
}

// Get returns the next registered response for a given URL.
func (g *Getter) Get(url string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	resps, ok := g.Responses[url]
	if !ok || len(resps) == 0 {
		return nil, fmt.Errorf("404: %s", url)
	}
	resp := &resps[0]
	body, err := resp.Body, resp.Error
	resp.Occurrences--
	if resp.Occurrences <= 0 {
		g.Responses[url] = resps[1:]
	}
	return body, err
}

// Done checks that all programmed responses were consumed.
func (g *Getter) Done(t testing.TB) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for url, resps := range g.Responses {
		if len(resps) != 0 {
			t.Errorf("not all responses for %q were consumed. %d remaining", url, len(resps))
		}
	}
}
