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

// Package main implements a CLI tool for checking SEV-SNP attestation reports.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/attest"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	"github.com/blyssprivacy/sev-attest-tool/tools/lib/cmdline"
	"github.com/blyssprivacy/sev-attest-tool/tools/lib/report"
	"github.com/blyssprivacy/sev-attest-tool/validate"
	"github.com/blyssprivacy/sev-attest-tool/verify"
	"github.com/blyssprivacy/sev-attest-tool/verify/trust"
	"github.com/google/logger"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	// This is the default guest_policy value only if -guest_policy is not provided.
	// Bit 17 is reserved-must-be-one.
	defaultGuestPolicy               = uint64(1 << 17)
	defaultMinBuild                  = 0
	defaultMinVersion                = "0.0"
	defaultMinTcb                    = 0
	defaultMinLaunchTcb              = 0
	defaultNetwork                   = true
	defaultRequireAuthorKey          = false
	defaultPermitProvisionalFirmware = false

	// Exit code 1 - tool usage error.
	exitTool = 1
	// Exit code 2 - the report's provenance did not verify.
	exitVerify = 2
	// Exit code 3 - problem downloading AMD certificates.
	exitCerts = 3
	// Exit code 5 - the report did not validate according to policy.
	exitPolicy = 5
)

var (
	infile = flag.String("in", "-", "Path to the attestation report to check. Stdin is \"-\".")

	configPath = flag.String("config", "",
		"A path to a YAML policy configuration. Any individual field flags will "+
			"overwrite the configuration's associated field.")
	quiet = flag.Bool("quiet", false,
		"If true, writes nothing to stdout or stderr. The exit code alone carries the result.")

	reportdataS  = flag.String("report_data", "", "The expected REPORT_DATA field as a hex string. Must encode 64 bytes. Unchecked if unset.")
	reportdata   = cmdline.Bytes("-report_data", abi.ReportDataSize, reportdataS)
	hostdataS    = flag.String("host_data", "", "The expected HOST_DATA field as a hex string. Must encode 32 bytes. Unchecked if unset.")
	hostdata     = cmdline.Bytes("-host_data", abi.HostDataSize, hostdataS)
	familyidS    = flag.String("family_id", "", "The expected FAMILY_ID field as a hex string. Must encode 16 bytes. Unchecked if unset.")
	familyid     = cmdline.Bytes("-family_id", abi.FamilyIDSize, familyidS)
	imageidS     = flag.String("image_id", "", "The expected IMAGE_ID field as a hex string. Must encode 16 bytes. Unchecked if unset.")
	imageid      = cmdline.Bytes("-image_id", abi.ImageIDSize, imageidS)
	reportidS    = flag.String("report_id", "", "The expected REPORT_ID field as a hex string. Must encode 32 bytes. Unchecked if unset.")
	reportid     = cmdline.Bytes("-report_id", abi.ReportIDSize, reportidS)
	reportidmaS  = flag.String("report_id_ma", "", "The expected REPORT_ID_MA field as a hex string. Must encode 32 bytes. Unchecked if unset.")
	reportidma   = cmdline.Bytes("-report_id_ma", abi.ReportIDMASize, reportidmaS)
	measurementS = flag.String("measurement", "", "An accepted MEASUREMENT field as a hex string. Must encode 48 bytes. Unchecked if unset.")
	measurement  = cmdline.Bytes("-measurement", abi.MeasurementSize, measurementS)
	chipidS      = flag.String("chip_id", "", "The expected CHIP_ID field as a hex string. Must encode 64 bytes. Unchecked if unset.")
	chipid       = cmdline.Bytes("-chip_id", abi.ChipIDSize, chipidS)

	// Optional Uint64. We don't want 0 to override the configured value, so instead of
	// parsing as Uint64 up front, we keep the flag a string and parse later if given.
	mintcb       = flag.String("minimum_tcb", "", "The minimum acceptable value for CURRENT_TCB, COMMITTED_TCB, and REPORTED_TCB.")
	minlaunchtcb = flag.String("minimum_launch_tcb", "", "The minimum acceptable value for LAUNCH_TCB.")
	guestPolicy  = flag.String("guest_policy", "", "The most acceptable guest policy component-wise in its 64-bit format.")
	// Optional Uint8. Similar to above.
	minbuild = flag.String("min_build", "", "The 8-bit minimum build number for AMD-SP firmware")
	// Optional Bool.
	network       = flag.String("network", "", "If true, then permitted to download necessary certificates for verification.")
	timeout       = flag.Duration("timeout", 2*time.Minute, "Duration to continue to retry failed HTTP requests.")
	maxRetryDelay = flag.Duration("max_retry_delay", 30*time.Second, "Maximum Duration to wait between HTTP request retries.")
	requireauthor = flag.String("require_author_key", "", "Require that AUTHOR_KEY_EN is 1.")
	provisional   = flag.String("provisional", "", "Permit provisional firmware (i.e., committed values may be less than current values).")

	platforminfo = flag.String("platform_info", "", "The maximum acceptable PLATFORM_INFO field bit-wise. May be empty or a 64-bit unsigned integer")
	minversion   = flag.String("min_version", "", "Minimum AMD-SP firmware API version (major.minor). Each number must be 8-bit non-negative.")

	productLine     = flag.String("product_line", "", "The AMD product line for the chip that generated the attestation report. Inferred from the report or the VCEK if unset.")
	arkFingerprints = flag.String("ark_fingerprints", "",
		"Comma-separated hex-encoded SHA-384 digests of trusted ARK certificates in DER format. "+
			"If unset, the root of the endorsement chain is trusted on its self-signature alone.")
	verbose = flag.Bool("v", false, "Enable verbose logging.")

	config = &checkConfig{}
)

// rootOfTrustConfig names the certificates the endorsement chain must anchor to
// and whether missing certificates may be downloaded.
type rootOfTrustConfig struct {
	ProductLine     string   `yaml:"product_line"`
	ArkFingerprints []string `yaml:"ark_fingerprints"`
	Network         bool     `yaml:"network"`
}

// policyConfig holds the expectations the report's fields are checked against.
// Byte-array fields are hex-encoded strings.
type policyConfig struct {
	AcceptedMeasurements      []string `yaml:"accepted_measurements"`
	ReportData                string   `yaml:"report_data"`
	HostData                  string   `yaml:"host_data"`
	FamilyID                  string   `yaml:"family_id"`
	ImageID                   string   `yaml:"image_id"`
	ReportID                  string   `yaml:"report_id"`
	ReportIDMA                string   `yaml:"report_id_ma"`
	ChipID                    string   `yaml:"chip_id"`
	GuestPolicy               uint64   `yaml:"guest_policy"`
	MinimumTCB                uint64   `yaml:"minimum_tcb"`
	MinimumLaunchTCB          uint64   `yaml:"minimum_launch_tcb"`
	MinimumBuild              uint64   `yaml:"minimum_build"`
	MinimumVersion            string   `yaml:"minimum_version"`
	PermitProvisionalFirmware bool     `yaml:"permit_provisional_firmware"`
	PlatformInfo              *uint64  `yaml:"platform_info"`
	RequireAuthorKey          bool     `yaml:"require_author_key"`
}

type checkConfig struct {
	RootOfTrust rootOfTrustConfig `yaml:"root_of_trust"`
	Policy      policyConfig      `yaml:"policy"`
}

func parseUint(p string, bits int) (uint64, error) {
	base := 10
	prepped := p
	if strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X") {
		base = 16
		prepped = prepped[2:]
	} else if strings.HasPrefix(p, "0o") || strings.HasPrefix(p, "0O") {
		base = 8
		prepped = prepped[2:]
	} else if strings.HasPrefix(p, "0b") || strings.HasPrefix(p, "0B") {
		base = 2
		prepped = prepped[2:]
	}
	info64, err := strconv.ParseUint(prepped, base, bits)
	if err != nil {
		return 0, fmt.Errorf("%q must be empty or a %d-bit number: %v", p, bits, err)
	}
	return info64, nil
}

func dieWith(err error, exitCode int) {
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	os.Exit(exitCode)
}

func die(err error) {
	dieWith(err, exitTool)
}

func parseConfig(path string) error {
	if path == "" {
		return nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read %q: %v", path, err)
	}
	if err := yaml.Unmarshal(contents, config); err != nil {
		return fmt.Errorf("could not deserialize %q: %v", path, err)
	}
	return nil
}

func override() bool {
	return *configPath != ""
}

func setBool(value *bool, name, flag string, defaultValue bool) error {
	if flag == "" {
		if !override() {
			*value = defaultValue
		}
	} else if flag == "true" {
		*value = true
	} else if flag == "false" {
		*value = false
	} else {
		return fmt.Errorf("flag -%s=%s invalid. Must be one of unset, \"true\", or \"false\"",
			name, flag)
	}
	return nil
}

func setUint(value *uint64, bits int, name, flag string, defaultValue uint64) error {
	if flag == "" {
		if !override() {
			*value = defaultValue
		}
	} else {
		u, err := parseUint(flag, bits)
		if err != nil {
			return fmt.Errorf("invalid -%s=%s: %v", name, flag, err)
		}
		*value = u
	}
	return nil
}

func setUint64(value *uint64, name, flag string, defaultValue uint64) error {
	return setUint(value, 64, name, flag, defaultValue)
}

func setString(dest *string, name, flag string, defaultValue string) {
	if flag == "" {
		if !override() {
			*dest = defaultValue
		}
	} else {
		*dest = flag
	}
}

// setHex replaces a configured hex string with the already-decoded flag value
// when the flag was given.
func setHex(dest *string, value []byte) {
	if value != nil {
		*dest = hex.EncodeToString(value)
	}
}

func populateRootOfTrust() error {
	rot := &config.RootOfTrust

	networkValue := rot.Network
	if err := setBool(&networkValue, "network", *network, defaultNetwork); err != nil {
		return err
	}
	rot.Network = networkValue

	setString(&rot.ProductLine, "product_line", *productLine, "")

	if *arkFingerprints != "" {
		rot.ArkFingerprints = strings.Split(*arkFingerprints, ",")
	}
	return nil
}

// populatePolicy overwrites configured policy fields from flags if they were given.
func populatePolicy() error {
	policy := &config.Policy

	setString(&policy.MinimumVersion, "min_version", *minversion, defaultMinVersion)

	setHex(&policy.ReportData, *reportdata)
	setHex(&policy.HostData, *hostdata)
	setHex(&policy.FamilyID, *familyid)
	setHex(&policy.ImageID, *imageid)
	setHex(&policy.ReportID, *reportid)
	setHex(&policy.ReportIDMA, *reportidma)
	setHex(&policy.ChipID, *chipid)
	if *measurement != nil {
		policy.AcceptedMeasurements = []string{hex.EncodeToString(*measurement)}
	}

	setPlatformInfo := func() error {
		if *platforminfo == "" {
			return nil
		}
		u, err := parseUint(*platforminfo, 64)
		if err != nil {
			return fmt.Errorf("invalid -platform_info=%s: %v", *platforminfo, err)
		}
		policy.PlatformInfo = &u
		return nil
	}

	return multierr.Combine(
		setUint64(&policy.GuestPolicy, "guest_policy", *guestPolicy, defaultGuestPolicy),
		setUint64(&policy.MinimumTCB, "minimum_tcb", *mintcb, defaultMinTcb),
		setUint64(&policy.MinimumLaunchTCB, "minimum_launch_tcb", *minlaunchtcb, defaultMinLaunchTcb),
		setUint(&policy.MinimumBuild, 8, "min_build", *minbuild, defaultMinBuild),
		setPlatformInfo(),
		setBool(&policy.RequireAuthorKey, "require_author_key",
			*requireauthor, defaultRequireAuthorKey),
		setBool(&policy.PermitProvisionalFirmware, "provisional",
			*provisional, defaultPermitProvisionalFirmware),
	)
}

func hexField(name, value string, byteSize int) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s %q is not a hex string: %v", name, value, err)
	}
	if len(b) != byteSize {
		return nil, fmt.Errorf("%s must encode %d bytes, got %d", name, byteSize, len(b))
	}
	return b, nil
}

func parseMinimumVersion(version string) (uint16, error) {
	major, minor, found := strings.Cut(version, ".")
	if !found {
		return 0, fmt.Errorf("minimum_version %q is not of the form major.minor", version)
	}
	majorU, err := parseUint(major, 8)
	if err != nil {
		return 0, err
	}
	minorU, err := parseUint(minor, 8)
	if err != nil {
		return 0, err
	}
	return uint16(majorU<<8 | minorU), nil
}

// validateOptions translates the policy configuration into the policy checker's
// options.
func validateOptions(policy *policyConfig) (*validate.Options, error) {
	guestPolicy, err := abi.ParseSnpPolicy(policy.GuestPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid guest_policy: %v", err)
	}
	opts := &validate.Options{
		GuestPolicy:               guestPolicy,
		MinimumBuild:              uint8(policy.MinimumBuild),
		MinimumTCB:                kds.DecomposeTCBVersion(kds.TCBVersion(policy.MinimumTCB)),
		MinimumLaunchTCB:          kds.DecomposeTCBVersion(kds.TCBVersion(policy.MinimumLaunchTCB)),
		PermitProvisionalFirmware: policy.PermitProvisionalFirmware,
		RequireAuthorKey:          policy.RequireAuthorKey,
	}
	if policy.MinimumVersion != "" {
		version, err := parseMinimumVersion(policy.MinimumVersion)
		if err != nil {
			return nil, err
		}
		opts.MinimumVersion = version
	}
	for _, m := range policy.AcceptedMeasurements {
		b, err := hexField("accepted_measurements entry", m, abi.MeasurementSize)
		if err != nil {
			return nil, err
		}
		opts.AcceptedMeasurements = append(opts.AcceptedMeasurements, b)
	}
	if policy.PlatformInfo != nil {
		info, err := abi.ParseSnpPlatformInfo(*policy.PlatformInfo)
		if err != nil {
			return nil, fmt.Errorf("invalid platform_info: %v", err)
		}
		opts.PlatformInfo = &info
	}
	fields := []struct {
		name string
		size int
		src  string
		dest *[]byte
	}{
		{"report_data", abi.ReportDataSize, policy.ReportData, &opts.ReportData},
		{"host_data", abi.HostDataSize, policy.HostData, &opts.HostData},
		{"family_id", abi.FamilyIDSize, policy.FamilyID, &opts.FamilyID},
		{"image_id", abi.ImageIDSize, policy.ImageID, &opts.ImageID},
		{"report_id", abi.ReportIDSize, policy.ReportID, &opts.ReportID},
		{"report_id_ma", abi.ReportIDMASize, policy.ReportIDMA, &opts.ReportIDMA},
		{"chip_id", abi.ChipIDSize, policy.ChipID, &opts.ChipID},
	}
	for _, f := range fields {
		b, err := hexField(f.name, f.src, f.size)
		if err != nil {
			return nil, err
		}
		*f.dest = b
	}
	return opts, nil
}

// verifyOptions translates the root of trust configuration into the chain
// validator's options.
func verifyOptions(rot *rootOfTrustConfig) *verify.Options {
	opts := verify.DefaultOptions()
	opts.ProductLine = rot.ProductLine
	opts.ArkFingerprints = rot.ArkFingerprints
	opts.DisableCertFetching = !rot.Network
	opts.Getter = &trust.RetryHTTPSGetter{
		Timeout:       *timeout,
		MaxRetryDelay: *maxRetryDelay,
		Getter:        &trust.SimpleHTTPSGetter{},
	}
	return opts
}

func main() {
	flag.Parse()
	logger.Init("", *verbose, false, os.Stderr)
	cmdline.Parse("auto")

	if err := parseConfig(*configPath); err != nil {
		die(err)
	}
	if err := multierr.Combine(populateRootOfTrust(), populatePolicy()); err != nil {
		die(err)
	}

	at, err := report.ReadAttestation(*infile)
	if err != nil {
		die(err)
	}

	vopts, err := validateOptions(&config.Policy)
	if err != nil {
		die(err)
	}
	options := &attest.Options{
		Verify:   verifyOptions(&config.RootOfTrust),
		Validate: vopts,
	}

	verdict, err := attest.Verify(at.RawReport, at.CertTable, options)
	if err != nil {
		die(err)
	}
	if verdict.Err != nil {
		// Make the exit code more helpful when there are network errors
		// that affected the result.
		exitCode := exitVerify
		var creationErr *trust.AttestationRecreationErr
		if errors.As(verdict.Err, &creationErr) {
			exitCode = exitCerts
		}
		dieWith(fmt.Errorf("could not verify attestation: %v", verdict.Err), exitCode)
	}
	if !verdict.Valid {
		var lines []string
		for _, v := range verdict.Violations {
			lines = append(lines, v.Error())
		}
		dieWith(fmt.Errorf("error validating attestation:\n%s", strings.Join(lines, "\n")), exitPolicy)
	}
	if verdict.SelfSignedRootOnly && !*quiet {
		fmt.Fprintln(os.Stderr, "warning: endorsement root was not pinned; the chain is only self-consistent")
	}
}
