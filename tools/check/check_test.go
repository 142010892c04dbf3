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

package main

import (
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/blyssprivacy/sev-attest-tool/kds"
	"github.com/google/go-cmp/cmp"
	"github.com/google/logger"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	logger.Init("CheckTestLog", false, false, os.Stderr)
	os.Exit(m.Run())
}

func TestParseUint(t *testing.T) {
	tests := []struct {
		in      string
		bits    int
		want    uint64
		wantErr bool
	}{
		{in: "144", bits: 8, want: 144},
		{in: "0x90", bits: 8, want: 144},
		{in: "0o220", bits: 8, want: 144},
		{in: "0b10010000", bits: 8, want: 144},
		{in: "256", bits: 8, wantErr: true},
		{in: "0x1g", bits: 8, wantErr: true},
		{in: "", bits: 8, wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseUint(tc.in, tc.bits)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseUint(%q, %d) = %d, %v. Want error: %v", tc.in, tc.bits, got, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("parseUint(%q, %d) = %d. Want %d", tc.in, tc.bits, got, tc.want)
		}
	}
}

func TestParseMinimumVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr string
	}{
		{in: "1.49", want: 0x0131},
		{in: "0.0", want: 0},
		{in: "255.255", want: 0xffff},
		{in: "3", wantErr: "not of the form major.minor"},
		{in: "1.300", wantErr: "8-bit number"},
		{in: ".0", wantErr: "8-bit number"},
	}
	for _, tc := range tests {
		got, err := parseMinimumVersion(tc.in)
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("parseMinimumVersion(%q) = %v, %v. Want error %q", tc.in, got, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseMinimumVersion(%q) = %#x, %v. Want %#x", tc.in, got, err, tc.want)
		}
	}
}

func TestHexField(t *testing.T) {
	if _, err := hexField("chip_id", "zz", 1); err == nil {
		t.Errorf("hexField accepted a non-hex string")
	}
	if _, err := hexField("chip_id", "0102", 1); err == nil || !strings.Contains(err.Error(), "must encode 1 bytes") {
		t.Errorf("hexField accepted a wrong-sized string: %v", err)
	}
	got, err := hexField("chip_id", "", 4)
	if err != nil || got != nil {
		t.Errorf("hexField on an unset value = %v, %v. Want nil, nil", got, err)
	}
}

func TestValidateOptionsFromConfig(t *testing.T) {
	doc := `
policy:
  accepted_measurements:
    - "` + strings.Repeat("ab", 48) + `"
  report_data: "` + strings.Repeat("01", 64) + `"
  guest_policy: 0x30000
  minimum_tcb: 0x4405000000000002
  minimum_build: 3
  minimum_version: "1.49"
  permit_provisional_firmware: true
  platform_info: 1
  require_author_key: true
`
	cfg := &checkConfig{}
	if err := yaml.Unmarshal([]byte(doc), cfg); err != nil {
		t.Fatalf("could not parse test config: %v", err)
	}
	opts, err := validateOptions(&cfg.Policy)
	if err != nil {
		t.Fatalf("validateOptions(_) = _, %v. Expect nil", err)
	}
	if !cfg.Policy.PermitProvisionalFirmware || !opts.PermitProvisionalFirmware {
		t.Errorf("permit_provisional_firmware did not carry through")
	}
	if !opts.GuestPolicy.SMT {
		t.Errorf("guest_policy 0x30000 did not set the SMT allowance")
	}
	wantTcb := kds.TCBParts{BlSpl: 2, SnpSpl: 5, UcodeSpl: 68}
	if diff := cmp.Diff(wantTcb, opts.MinimumTCB); diff != "" {
		t.Errorf("minimum_tcb diff (-want +got):\n%s", diff)
	}
	if opts.MinimumBuild != 3 || opts.MinimumVersion != 0x0131 {
		t.Errorf("minimum firmware version got build %d version %#x. Want 3, 0x131",
			opts.MinimumBuild, opts.MinimumVersion)
	}
	wantMeasurement, _ := hex.DecodeString(strings.Repeat("ab", 48))
	if diff := cmp.Diff([][]byte{wantMeasurement}, opts.AcceptedMeasurements); diff != "" {
		t.Errorf("accepted_measurements diff (-want +got):\n%s", diff)
	}
	if opts.PlatformInfo == nil || !opts.PlatformInfo.SMTEnabled {
		t.Errorf("platform_info 1 did not carry through: %+v", opts.PlatformInfo)
	}
	if !opts.RequireAuthorKey {
		t.Errorf("require_author_key did not carry through")
	}
	if len(opts.ReportData) != 64 || opts.ReportData[0] != 1 {
		t.Errorf("report_data did not carry through: %v", opts.ReportData)
	}
	if opts.HostData != nil || opts.ChipID != nil {
		t.Errorf("unset byte fields were populated: %+v", opts)
	}
}

func TestValidateOptionsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		policy  policyConfig
		wantErr string
	}{
		{
			name:    "non-hex report_data",
			policy:  policyConfig{GuestPolicy: defaultGuestPolicy, ReportData: "wonk"},
			wantErr: "not a hex string",
		},
		{
			name:    "wrong-sized measurement",
			policy:  policyConfig{GuestPolicy: defaultGuestPolicy, AcceptedMeasurements: []string{"abcd"}},
			wantErr: "must encode 48 bytes",
		},
		{
			name:    "bad minimum_version",
			policy:  policyConfig{GuestPolicy: defaultGuestPolicy, MinimumVersion: "1.2.3"},
			wantErr: "8-bit number",
		},
		{
			name:    "reserved guest_policy bit",
			policy:  policyConfig{},
			wantErr: "invalid guest_policy",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := validateOptions(&tc.policy); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("validateOptions(%+v) = %v. Want error %q", tc.policy, err, tc.wantErr)
			}
		})
	}
}

func TestVerifyOptionsFromConfig(t *testing.T) {
	rot := &rootOfTrustConfig{
		ProductLine:     "Genoa",
		ArkFingerprints: []string{strings.Repeat("0f", 48)},
		Network:         false,
	}
	opts := verifyOptions(rot)
	if !opts.DisableCertFetching {
		t.Errorf("network: false did not disable certificate fetching")
	}
	if opts.ProductLine != "Genoa" || len(opts.ArkFingerprints) != 1 {
		t.Errorf("root of trust did not carry through: %+v", opts)
	}
	if opts.Getter == nil {
		t.Errorf("verify options missing an HTTPS getter")
	}
}

func TestFlagOverridesConfig(t *testing.T) {
	// A config path makes unset flags preserve configured values instead of
	// resetting to defaults.
	oldConfig, oldPath := config, *configPath
	defer func() { config = oldConfig; *configPath = oldPath }()
	config = &checkConfig{Policy: policyConfig{GuestPolicy: 7, MinimumVersion: "1.2"}}
	*configPath = "config.yaml"

	if err := setUint64(&config.Policy.GuestPolicy, "guest_policy", "", defaultGuestPolicy); err != nil {
		t.Fatal(err)
	}
	if config.Policy.GuestPolicy != 7 {
		t.Errorf("unset -guest_policy overwrote the configured value: %d", config.Policy.GuestPolicy)
	}
	if err := setUint64(&config.Policy.GuestPolicy, "guest_policy", "0x30000", defaultGuestPolicy); err != nil {
		t.Fatal(err)
	}
	if config.Policy.GuestPolicy != 0x30000 {
		t.Errorf("-guest_policy did not override the configured value: %d", config.Policy.GuestPolicy)
	}

	setString(&config.Policy.MinimumVersion, "min_version", "", defaultMinVersion)
	if config.Policy.MinimumVersion != "1.2" {
		t.Errorf("unset -min_version overwrote the configured value: %q", config.Policy.MinimumVersion)
	}

	*configPath = ""
	if err := setUint64(&config.Policy.GuestPolicy, "guest_policy", "", defaultGuestPolicy); err != nil {
		t.Fatal(err)
	}
	if config.Policy.GuestPolicy != defaultGuestPolicy {
		t.Errorf("without a config, unset -guest_policy kept %d. Want the default %d",
			config.Policy.GuestPolicy, defaultGuestPolicy)
	}
}

func TestSetBool(t *testing.T) {
	var b bool
	if err := setBool(&b, "network", "maybe", true); err == nil {
		t.Errorf("setBool accepted a non-boolean flag value")
	}
	if err := setBool(&b, "network", "false", true); err != nil || b {
		t.Errorf("setBool(-network=false) = %v, set %v. Want nil, false", err, b)
	}
	if err := setBool(&b, "network", "", true); err != nil || !b {
		t.Errorf("setBool unset flag = %v, set %v. Want nil, default true", err, b)
	}
}
