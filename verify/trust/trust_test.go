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

package trust_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	test "github.com/blyssprivacy/sev-attest-tool/testing"
	"github.com/blyssprivacy/sev-attest-tool/verify/trust"
)

func TestRetryHTTPSGetter(t *testing.T) {
	testCases := map[string]struct {
		getter        *test.Getter
		timeout       time.Duration
		maxRetryDelay time.Duration
	}{
		"immediate success": {
			getter: &test.Getter{
				Responses: map[string][]test.GetResponse{
					"https://fetch.me": {
						{
							Occurrences: 1,
							Body:        []byte("content"),
							Error:       nil,
						},
					},
				},
			},
			timeout:       time.Second,
			maxRetryDelay: time.Millisecond,
		},
		"second success": {
			getter: &test.Getter{
				Responses: map[string][]test.GetResponse{
					"https://fetch.me": {
						{
							Occurrences: 1,
							Body:        []byte(""),
							Error:       errors.New("fail"),
						},
						{
							Occurrences: 1,
							Body:        []byte("content"),
							Error:       nil,
						},
					},
				},
			},
			timeout:       time.Second,
			maxRetryDelay: time.Millisecond,
		},
		"third success": {
			getter: &test.Getter{
				Responses: map[string][]test.GetResponse{
					"https://fetch.me": {
						{
							Occurrences: 2,
							Body:        []byte(""),
							Error:       errors.New("fail"),
						},
						{
							Occurrences: 1,
							Body:        []byte("content"),
							Error:       nil,
						},
					},
				},
			},
			timeout:       time.Second,
			maxRetryDelay: time.Millisecond,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			r := &trust.RetryHTTPSGetter{
				Timeout:       tc.timeout,
				MaxRetryDelay: tc.maxRetryDelay,
				Getter:        tc.getter,
			}

			body, err := r.Get("https://fetch.me")
			if !bytes.Equal(body, []byte("content")) {
				t.Errorf("expected '%s' but got '%s'", "content", body)
			}
			if err != nil {
				t.Errorf("expected no error, but got %s", err.Error())
			}
			tc.getter.Done(t)
		})
	}
}

func TestRetryHTTPSGetterAllFail(t *testing.T) {
	testGetter := &test.Getter{
		Responses: map[string][]test.GetResponse{
			"https://fetch.me": {
				{
					Occurrences: 1,
					Body:        []byte(""),
					Error:       errors.New("fail"),
				},
			},
		},
	}
	r := &trust.RetryHTTPSGetter{
		Timeout:       1 * time.Millisecond,
		MaxRetryDelay: 1 * time.Millisecond,
		Getter:        testGetter,
	}

	body, err := r.Get("https://fetch.me")
	if !bytes.Equal(body, []byte("")) {
		t.Errorf("expected empty body but got %q", body)
	}
	if err == nil {
		t.Errorf("expected error, but got none")
	}
	testGetter.Done(t)
}

func TestGetProductChain(t *testing.T) {
	trust.ClearProductCertCache()
	signer, err := test.DefaultTestOnlyCertChain("Milan-B0", time.Now())
	if err != nil {
		t.Fatalf("could not build fake certificates: %v", err)
	}
	chain, err := signer.CertChainPEM()
	if err != nil {
		t.Fatalf("could not encode cert chain: %v", err)
	}
	testGetter := &test.Getter{
		Responses: map[string][]test.GetResponse{
			"https://kdsintf.amd.com/vcek/v1/Milan/cert_chain": {
				{
					Occurrences: 2,
					Body:        chain,
				},
			},
		},
	}

	// Run GetProductChain concurrently to exercise the cache under the race detector.
	errCh := make(chan error)
	get := func() {
		_, err := trust.GetProductChain("Milan", abi.VcekReportSigner, testGetter)
		errCh <- err
	}
	go get()
	go get()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		t.Fatalf("unexpected error: %v", firstErr)
	}

	// A later call is served from the cache.
	root, err := trust.GetProductChain("Milan", abi.VcekReportSigner, testGetter)
	if err != nil {
		t.Fatalf("cached GetProductChain errored unexpectedly: %v", err)
	}
	if root.AskX509 == nil || root.ArkX509 == nil {
		t.Errorf("GetProductChain returned incomplete roots: %+v", root)
	}
	trust.ClearProductCertCache()
}

// Ensure that the HTTPSGetters implement the expected interface.
var (
	_ = trust.HTTPSGetter(&trust.SimpleHTTPSGetter{})
	_ = trust.HTTPSGetter(&trust.RetryHTTPSGetter{})
)
