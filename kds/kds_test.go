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

package kds

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/google/go-cmp/cmp"
)

func TestProductCertChainURL(t *testing.T) {
	got := ProductCertChainURL(abi.VcekReportSigner, "Milan")
	want := "https://kdsintf.amd.com/vcek/v1/Milan/cert_chain"
	if got != want {
		t.Errorf("ProductCertChainURL(\"Milan\") = %q, want %q", got, want)
	}
}

func TestVCEKCertURL(t *testing.T) {
	hwid := make([]byte, abi.ChipIDSize)
	hwid[0] = 0xfe
	hwid[abi.ChipIDSize-1] = 0xc0
	got := VCEKCertURL("Milan", hwid, TCBVersion(0))
	want := "https://kdsintf.amd.com/vcek/v1/Milan/fe0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000c0?blSPL=0&teeSPL=0&snpSPL=0&ucodeSPL=0"
	if got != want {
		t.Errorf("VCEKCertURL(\"Milan\", %v, 0) = %q, want %q", hwid, got, want)
	}
}

func TestParseProductBaseURL(t *testing.T) {
	tcs := []struct {
		name        string
		url         string
		wantProduct string
		wantURL     *url.URL
		wantErr     string
	}{
		{
			name:        "happy path",
			url:         ProductCertChainURL(abi.VcekReportSigner, "Milan"),
			wantProduct: "Milan",
			wantURL: &url.URL{
				Scheme: "https",
				Host:   "kdsintf.amd.com",
				Path:   "cert_chain", // The vcek/v1/Milan part is expected to be trimmed.
			},
		},
		{
			name:    "bad host",
			url:     "https://fakekds.com/vcek/v1/Milan/cert_chain",
			wantErr: "unexpected AMD KDS URL host \"fakekds.com\", want \"kdsintf.amd.com\"",
		},
		{
			name:    "bad scheme",
			url:     "http://kdsintf.amd.com/vcek/v1/Milan/cert_chain",
			wantErr: "unexpected AMD KDS URL scheme \"http\", want \"https\"",
		},
		{
			name:    "bad path",
			url:     "https://kdsintf.amd.com/vcek/v2/Milan/cert_chain",
			wantErr: "unexpected AMD KDS URL path \"/vcek/v2/Milan/cert_chain\", want prefix \"/vcek/v1/\"",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := parseBaseProductURL(tc.url)
			if (err == nil && tc.wantErr != "") || (err != nil && !strings.Contains(err.Error(), tc.wantErr)) {
				t.Fatalf("parseBaseProductURL(%q) = _, _, %v, want %q", tc.url, err, tc.wantErr)
			}
			if err == nil {
				if diff := cmp.Diff(parsed.simpleURL, tc.wantURL); diff != "" {
					t.Errorf("parseBaseProductURL(%q) returned unexpected diff (-want +got):\n%s", tc.url, diff)
				}
				if parsed.productLine != tc.wantProduct {
					t.Errorf("parseBaseProductURL(%q) = %q, _, _ want %q", tc.url, parsed.productLine, tc.wantProduct)
				}
			}
		})
	}
}

func TestParseProductCertChainURL(t *testing.T) {
	tests := []struct {
		key     abi.ReportSigner
		product string
		wantKey CertFunction
	}{
		{
			key:     abi.VcekReportSigner,
			product: "Milan",
			wantKey: VcekCertFunction,
		},
		{
			key:     abi.VlekReportSigner,
			product: "Milan",
			wantKey: VlekCertFunction,
		},
	}
	for _, tc := range tests {
		url := ProductCertChainURL(tc.key, tc.product)
		got, key, err := ParseProductCertChainURL(url)
		if err != nil {
			t.Fatalf("ParseProductCertChainURL(%q) = _, _, %v, want nil", tc.product, err)
		}
		if got != tc.product || key != tc.wantKey {
			t.Errorf("ProductCertChainURL(%q) = %q, %v, nil want %q, %v", url, got, key, tc.product, tc.wantKey)
		}
	}
}

func TestParseVCEKCertURL(t *testing.T) {
	hwid := make([]byte, abi.ChipIDSize)
	hwidhex := hex.EncodeToString(hwid)
	tcs := []struct {
		name    string
		url     string
		want    VCEKCert
		wantErr string
	}{
		{
			name: "happy path",
			url:  VCEKCertURL("Milan", hwid, TCBVersion(0)),
			want: VCEKCert{ProductLine: "Milan", HWID: hwid, TCB: 0},
		},
		{
			name:    "bad query format",
			url:     fmt.Sprintf("https://kdsintf.amd.com/vcek/v1/Milan/%s?ha;ha", hwidhex),
			wantErr: "invalid AMD KDS URL query \"ha;ha\": invalid semicolon separator in query",
		},
		{
			name:    "bad query key",
			url:     fmt.Sprintf("https://kdsintf.amd.com/vcek/v1/Milan/%s?fakespl=4", hwidhex),
			wantErr: "unexpected KDS TCB version URL argument \"fakespl\"",
		},
		{
			name:    "bad query argument numerical",
			url:     fmt.Sprintf("https://kdsintf.amd.com/vcek/v1/Milan/%s?blSPL=-4", hwidhex),
			wantErr: "invalid KDS TCB version URL argument value \"-4\", want a value 0-255",
		},
		{
			name:    "bad query argument numerical",
			url:     fmt.Sprintf("https://kdsintf.amd.com/vcek/v1/Milan/%s?blSPL=alpha", hwidhex),
			wantErr: "invalid KDS TCB version URL argument value \"alpha\", want a value 0-255",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseVCEKCertURL(tc.url)
			if (err == nil && tc.wantErr != "") || (err != nil && !strings.Contains(err.Error(), tc.wantErr)) {
				t.Fatalf("ParseVCEKCertURL(%q) = _, %v, want %q", tc.url, err, tc.wantErr)
			}
			if err == nil {
				if diff := cmp.Diff(got, tc.want); diff != "" {
					t.Errorf("ParseVCEKCertURL(%q) returned unexpected diff (-want +got):\n%s", tc.url, diff)
				}
			}
		})
	}
}

func TestTCBRoundTrip(t *testing.T) {
	parts := TCBParts{BlSpl: 2, TeeSpl: 0, SnpSpl: 5, UcodeSpl: 0x44}
	tcb, err := ComposeTCBParts(parts)
	if err != nil {
		t.Fatalf("ComposeTCBParts(%v) errored unexpectedly: %v", parts, err)
	}
	if got := DecomposeTCBVersion(tcb); got != parts {
		t.Errorf("DecomposeTCBVersion(ComposeTCBParts(%v)) = %v, want %v", parts, got, parts)
	}
	if _, err := ComposeTCBParts(TCBParts{SnpSpl: 128}); err == nil {
		t.Errorf("ComposeTCBParts(SnpSpl: 128) = _, nil. Want error")
	}
	if !TCBPartsLE(TCBParts{}, parts) {
		t.Errorf("TCBPartsLE(zero, %v) = false, want true", parts)
	}
	if TCBPartsLE(TCBParts{UcodeSpl: 0x45}, parts) {
		t.Errorf("TCBPartsLE(higher ucode, %v) = true, want false", parts)
	}
}

func TestCertFetchKey(t *testing.T) {
	r := &abi.Report{Version: 2, ReportedTcb: 0xd315000000000004}
	for i := range r.ChipID {
		r.ChipID[i] = byte(i)
	}
	key := CertFetchKey(r, "")
	if key.ProductLine != DefaultProductLine {
		t.Errorf("CertFetchKey(v2 report).ProductLine = %q, want %q", key.ProductLine, DefaultProductLine)
	}
	if key.TCB != TCBVersion(r.ReportedTcb) {
		t.Errorf("CertFetchKey(report).TCB = %x, want %x", key.TCB, r.ReportedTcb)
	}
	parsed, err := ParseVCEKCertURL(key.URL())
	if err != nil {
		t.Fatalf("ParseVCEKCertURL(CertFetchKey(report).URL()) errored unexpectedly: %v", err)
	}
	if diff := cmp.Diff(parsed.HWID, key.HWID); diff != "" {
		t.Errorf("URL round trip HWID diff (-want +got):\n%s", diff)
	}
	if parsed.TCB != uint64(key.TCB) {
		t.Errorf("URL round trip TCB = %x, want %x", parsed.TCB, key.TCB)
	}
}

func TestProductLineOfReport(t *testing.T) {
	tcs := []struct {
		name   string
		report *abi.Report
		want   string
	}{
		{
			name:   "v2 default",
			report: &abi.Report{Version: 2},
			want:   DefaultProductLine,
		},
		{
			name:   "v3 Milan",
			report: &abi.Report{Version: 3, CpuFamily: 0x19, CpuModel: 0x01, CpuStepping: 1},
			want:   "Milan",
		},
		{
			name:   "v3 Genoa",
			report: &abi.Report{Version: 3, CpuFamily: 0x19, CpuModel: 0x11},
			want:   "Genoa",
		},
		{
			name:   "v3 Turin",
			report: &abi.Report{Version: 3, CpuFamily: 0x1A, CpuModel: 0x02},
			want:   "Turin",
		},
		{
			name:   "v3 unknown falls back",
			report: &abi.Report{Version: 3, CpuFamily: 0x17, CpuModel: 0x01},
			want:   DefaultProductLine,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := ProductLineOfReport(tc.report); got != tc.want {
				t.Errorf("ProductLineOfReport(%+v) = %q, want %q", tc.report, got, tc.want)
			}
		})
	}
}

func TestProductLineOfProductName(t *testing.T) {
	tcs := []struct {
		input string
		want  string
	}{
		{input: "Milan-B0", want: "Milan"},
		{input: "Genoa-B1", want: "Genoa"},
		{input: "Genoa", want: "Genoa"},
		{input: "Turin-B0", want: "Turin"},
		{input: "Naples-B2", want: "Unknown"},
		{input: "", want: "Unknown"},
	}
	for _, tc := range tcs {
		if got := ProductLineOfProductName(tc.input); got != tc.want {
			t.Errorf("ProductLineOfProductName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
