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

// Package validate checks attestation report properties other than signature
// verification: guest policy, measurement, TCB levels, and verbatim field
// expectations. Every check runs, so a caller sees all policy violations at
// once rather than just the first.
package validate

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	"go.uber.org/multierr"
)

// Options represents policy expectations for an SEV-SNP attestation report.
type Options struct {
	// GuestPolicy is the maximum of acceptable guest policies.
	GuestPolicy abi.SnpPolicy
	// AcceptedMeasurements is the set of acceptable MEASUREMENT values, each 48 bytes
	// long. Not checked if empty.
	AcceptedMeasurements [][]byte
	// ReportData is the expected REPORT_DATA field. Must be nil or 64 bytes long. Not
	// checked if nil. Commonly a nonce binding the report to a verification request.
	ReportData []byte
	// HostData is the expected HOST_DATA field. Must be nil or 32 bytes long. Not checked if nil.
	HostData []byte
	// ImageID is the expected IMAGE_ID field. Must be nil or 16 bytes long. Not checked if nil.
	ImageID []byte
	// FamilyID is the expected FAMILY_ID field. Must be nil or 16 bytes long. Not checked if nil.
	FamilyID []byte
	// ReportID is the expected REPORT_ID field. Must be nil or 32 bytes long. Not checked if nil.
	ReportID []byte
	// ReportIDMA is the expected REPORT_ID_MA field. Must be nil or 32 bytes long. Not checked if nil.
	ReportIDMA []byte
	// ChipID is the expected CHIP_ID field. Must be nil or 64 bytes long. Not checked if nil.
	ChipID []byte
	// MinimumBuild is the minimum firmware build version reported in the attestation report.
	MinimumBuild uint8
	// MinimumVersion is the minimum firmware API version reported in the attestation
	// report, where the MSB is the major number and the LSB is the minor number.
	MinimumVersion uint16
	// MinimumTCB is the component-wise minimum TCB reported in the attestation report.
	// This does not include the LaunchTcb.
	MinimumTCB kds.TCBParts
	// MinimumLaunchTCB is the component-wise minimum for the attestation report LaunchTcb.
	MinimumLaunchTCB kds.TCBParts
	// PermitProvisionalFirmware if true, allows the committed TCB, build, and API values
	// to be less than or equal to the current values. If false, committed and current
	// values must be equal.
	PermitProvisionalFirmware bool
	// PlatformInfo is the maximum of acceptable PLATFORM_INFO data. Not checked if nil.
	PlatformInfo *abi.SnpPlatformInfo
	// RequireAuthorKey if true, will not validate a report without AUTHOR_KEY_EN equal to 1.
	RequireAuthorKey bool
}

// Violation records a single failed policy check: the report field at fault and the
// observed and acceptable values. All fields here are public report contents, so a
// Violation never leaks secret material.
type Violation struct {
	// Field names the report field that failed the check, e.g. MEASUREMENT.
	Field string
	// Got is the observed value.
	Got string
	// Want describes the acceptable value or range.
	Want string
}

// Violation implements error so violations can travel through error plumbing, but a
// violation is an expected verdict detail, not a fault.
func (v *Violation) Error() string {
	return fmt.Sprintf("report field %s is %s. Expect %s", v.Field, v.Got, v.Want)
}

type checker struct {
	violations []Violation
}

func (c *checker) fail(field, got, want string) {
	c.violations = append(c.violations, Violation{Field: field, Got: got, Want: want})
}

// <0 if p0 < p1. 0 if p0 = p1. >0 if p0 > p1.
func compareByteVersions(major0, minor0, major1, minor1 uint8) int64 {
	version0 := (uint16(major0) << 8) | uint16(minor0)
	version1 := (uint16(major1) << 8) | uint16(minor1)
	return int64(version0) - int64(version1)
}

func comparePolicyVersions(p0 abi.SnpPolicy, p1 abi.SnpPolicy) int64 {
	return compareByteVersions(p0.ABIMajor, p0.ABIMinor, p1.ABIMajor, p1.ABIMinor)
}

func (c *checker) checkPolicy(reportPolicy uint64, required abi.SnpPolicy) {
	policy, err := abi.ParseSnpPolicy(reportPolicy)
	if err != nil {
		c.fail("POLICY", fmt.Sprintf("%#x", reportPolicy), fmt.Sprintf("a well-formed guest policy: %v", err))
		return
	}
	if comparePolicyVersions(required, policy) > 0 {
		c.fail("POLICY.ABI_VERSION",
			fmt.Sprintf("%d.%d", policy.ABIMajor, policy.ABIMinor),
			fmt.Sprintf("at least %d.%d", required.ABIMajor, required.ABIMinor))
	}
	if !required.MigrateMA && policy.MigrateMA {
		c.fail("POLICY.MIGRATE_MA", "migration agent enabled", "migration agent disabled")
	}
	if !required.Debug && policy.Debug {
		c.fail("POLICY.DEBUG", "debugging enabled", "debugging disabled")
	}
	if !required.SMT && policy.SMT {
		c.fail("POLICY.SMT", "symmetric multithreading enabled", "symmetric multithreading disabled")
	}
	if required.SingleSocket && !policy.SingleSocket {
		c.fail("POLICY.SINGLE_SOCKET", "unrestricted", "restricted to a single socket")
	}
}

func (c *checker) checkMeasurement(measurement []byte, accepted [][]byte) {
	if len(accepted) == 0 {
		return
	}
	for _, m := range accepted {
		if bytes.Equal(m, measurement) {
			return
		}
	}
	want := make([]string, len(accepted))
	for i, m := range accepted {
		want[i] = hex.EncodeToString(m)
	}
	c.fail("MEASUREMENT", hex.EncodeToString(measurement),
		fmt.Sprintf("one of [%s]", strings.Join(want, ", ")))
}

func (c *checker) checkByteField(field string, given, required []byte) {
	if len(required) == 0 {
		return
	}
	if !bytes.Equal(required, given) {
		c.fail(field, hex.EncodeToString(given), hex.EncodeToString(required))
	}
}

func (c *checker) checkVerbatimFields(report *abi.Report, options *Options) {
	c.checkByteField("REPORT_DATA", report.ReportData[:], options.ReportData)
	c.checkByteField("HOST_DATA", report.HostData[:], options.HostData)
	c.checkByteField("FAMILY_ID", report.FamilyID[:], options.FamilyID)
	c.checkByteField("IMAGE_ID", report.ImageID[:], options.ImageID)
	c.checkByteField("REPORT_ID", report.ReportID[:], options.ReportID)
	c.checkByteField("REPORT_ID_MA", report.ReportIDMA[:], options.ReportIDMA)
	c.checkByteField("CHIP_ID", report.ChipID[:], options.ChipID)
}

func (c *checker) checkTcb(report *abi.Report, vcekTcb kds.TCBVersion, options *Options) {
	reported := kds.TCBVersion(report.ReportedTcb)
	current := kds.TCBVersion(report.CurrentTcb)
	committed := kds.TCBVersion(report.CommittedTcb)
	launch := kds.TCBVersion(report.LaunchTcb)

	// Any change to the TCB means that the VCEK certificate at an earlier TCB is no
	// longer valid. The host must make sure that the up-to-date certificate is
	// provisioned and delivered alongside the report that contains the new reported TCB
	// value. If the certificate's TCB is greater than the report's TCB, then the host
	// has not provisioned a certificate for the machine's actual state and should also
	// not be accepted.
	if reported != vcekTcb {
		c.fail("REPORTED_TCB", fmt.Sprintf("%#x", uint64(reported)),
			fmt.Sprintf("the VCEK certificate's TCB %#x", uint64(vcekTcb)))
	}
	if !options.PermitProvisionalFirmware {
		if current != vcekTcb {
			c.fail("CURRENT_TCB", fmt.Sprintf("%#x", uint64(current)),
				fmt.Sprintf("the VCEK certificate's TCB %#x", uint64(vcekTcb)))
		}
		if current != committed {
			c.fail("COMMITTED_TCB", fmt.Sprintf("%#x", uint64(committed)),
				fmt.Sprintf("the current TCB %#x", uint64(current)))
		}
	} else if current < vcekTcb {
		c.fail("CURRENT_TCB", fmt.Sprintf("%#x", uint64(current)),
			fmt.Sprintf("at least the VCEK certificate's TCB %#x", uint64(vcekTcb)))
	}
	if !kds.TCBPartsLE(options.MinimumTCB, kds.DecomposeTCBVersion(current)) {
		minTcb, _ := kds.ComposeTCBParts(options.MinimumTCB)
		c.fail("CURRENT_TCB", fmt.Sprintf("%#x", uint64(current)),
			fmt.Sprintf("component-wise at least the minimum %#x", uint64(minTcb)))
	}
	if !kds.TCBPartsLE(options.MinimumLaunchTCB, kds.DecomposeTCBVersion(launch)) {
		minLaunch, _ := kds.ComposeTCBParts(options.MinimumLaunchTCB)
		c.fail("LAUNCH_TCB", fmt.Sprintf("%#x", uint64(launch)),
			fmt.Sprintf("component-wise at least the minimum %#x", uint64(minLaunch)))
	}
	// The launch TCB should be less than or equal to the reported TCB on the machine.
	if launch > reported {
		c.fail("LAUNCH_TCB", fmt.Sprintf("%#x", uint64(launch)),
			fmt.Sprintf("at most the REPORTED_TCB %#x", uint64(reported)))
	}
	if launch > committed {
		c.fail("LAUNCH_TCB", fmt.Sprintf("%#x", uint64(launch)),
			fmt.Sprintf("at most the COMMITTED_TCB %#x", uint64(committed)))
	}
	// The committed TCB means that a firmware installation cannot backslide before
	// that number.
	if committed > reported {
		c.fail("COMMITTED_TCB", fmt.Sprintf("%#x", uint64(committed)),
			fmt.Sprintf("at most the REPORTED_TCB %#x", uint64(reported)))
	}
}

func (c *checker) checkVersion(report *abi.Report, options *Options) {
	if options.MinimumBuild > report.CurrentBuild {
		c.fail("CURRENT_BUILD", fmt.Sprintf("%d", report.CurrentBuild),
			fmt.Sprintf("at least %d", options.MinimumBuild))
	}
	currentVersion := (uint16(report.CurrentMajor) << 8) | uint16(report.CurrentMinor)
	if options.MinimumVersion > currentVersion {
		c.fail("CURRENT_API_VERSION",
			fmt.Sprintf("%d.%d", report.CurrentMajor, report.CurrentMinor),
			fmt.Sprintf("at least %d.%d", options.MinimumVersion>>8, options.MinimumVersion&0xff))
	}
	buildCmp := int(report.CommittedBuild) - int(report.CurrentBuild)
	versionCmp := compareByteVersions(report.CommittedMajor, report.CommittedMinor,
		report.CurrentMajor, report.CurrentMinor)
	if !options.PermitProvisionalFirmware {
		if buildCmp != 0 {
			c.fail("COMMITTED_BUILD", fmt.Sprintf("%d", report.CommittedBuild),
				fmt.Sprintf("the current build %d", report.CurrentBuild))
		}
		if versionCmp != 0 {
			c.fail("COMMITTED_API_VERSION",
				fmt.Sprintf("%d.%d", report.CommittedMajor, report.CommittedMinor),
				fmt.Sprintf("the current API version %d.%d", report.CurrentMajor, report.CurrentMinor))
		}
	} else {
		if buildCmp > 0 {
			c.fail("COMMITTED_BUILD", fmt.Sprintf("%d", report.CommittedBuild),
				fmt.Sprintf("at most the current build %d", report.CurrentBuild))
		}
		if versionCmp > 0 {
			c.fail("COMMITTED_API_VERSION",
				fmt.Sprintf("%d.%d", report.CommittedMajor, report.CommittedMinor),
				fmt.Sprintf("at most the current API version %d.%d", report.CurrentMajor, report.CurrentMinor))
		}
	}
}

func (c *checker) checkPlatformInfo(platformInfo uint64, required *abi.SnpPlatformInfo) {
	if required == nil {
		return
	}
	reportInfo, err := abi.ParseSnpPlatformInfo(platformInfo)
	if err != nil {
		c.fail("PLATFORM_INFO", fmt.Sprintf("%#x", platformInfo),
			fmt.Sprintf("a well-formed platform info field: %v", err))
		return
	}
	if reportInfo.TSMEEnabled && !required.TSMEEnabled {
		c.fail("PLATFORM_INFO.TSME", "enabled", "disabled")
	}
	if reportInfo.SMTEnabled && !required.SMTEnabled {
		c.fail("PLATFORM_INFO.SMT", "enabled", "disabled")
	}
}

func (c *checker) checkKeys(report *abi.Report, options *Options) {
	if !options.RequireAuthorKey {
		return
	}
	info, err := abi.ParseSignerInfo(report.SignerInfo)
	if err != nil {
		c.fail("SIGNER_INFO", fmt.Sprintf("%#x", report.SignerInfo),
			fmt.Sprintf("a well-formed signer info field: %v", err))
		return
	}
	if !info.AuthorKeyEn {
		c.fail("AUTHOR_KEY_EN", "0", "1")
	}
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func (c *checker) checkHwid(report *abi.Report, exts *kds.Extensions) {
	// MaskChipKey might be set on the host, so only check if the CHIP_ID is not all
	// zeros.
	if exts.HWID == nil || allZero(report.ChipID[:]) {
		return
	}
	if !bytes.Equal(report.ChipID[:], exts.HWID) {
		c.fail("CHIP_ID", hex.EncodeToString(report.ChipID[:]),
			fmt.Sprintf("the VCEK certificate's HWID %s", hex.EncodeToString(exts.HWID)))
	}
}

// checkOptions rejects malformed expectations before any report field is examined.
// A bad option is a caller error, not a report violation.
func checkOptions(options *Options) error {
	checkSize := func(opt string, given []byte, size int) error {
		if given != nil && len(given) != size {
			return fmt.Errorf("option %s must be nil or %d bytes, got %d", opt, size, len(given))
		}
		return nil
	}
	var merr error
	merr = multierr.Combine(
		checkSize("ReportData", options.ReportData, abi.ReportDataSize),
		checkSize("HostData", options.HostData, abi.HostDataSize),
		checkSize("FamilyID", options.FamilyID, abi.FamilyIDSize),
		checkSize("ImageID", options.ImageID, abi.ImageIDSize),
		checkSize("ReportID", options.ReportID, abi.ReportIDSize),
		checkSize("ReportIDMA", options.ReportIDMA, abi.ReportIDMASize),
		checkSize("ChipID", options.ChipID, abi.ChipIDSize),
	)
	for i, m := range options.AcceptedMeasurements {
		if len(m) != abi.MeasurementSize {
			merr = multierr.Append(merr, fmt.Errorf(
				"option AcceptedMeasurements[%d] must be %d bytes, got %d", i, abi.MeasurementSize, len(m)))
		}
	}
	if _, err := kds.ComposeTCBParts(options.MinimumTCB); err != nil {
		merr = multierr.Append(merr, fmt.Errorf("option MinimumTCB error: %v", err))
	}
	if _, err := kds.ComposeTCBParts(options.MinimumLaunchTCB); err != nil {
		merr = multierr.Append(merr, fmt.Errorf("option MinimumLaunchTCB error: %v", err))
	}
	return merr
}

// SnpReport checks the attestation report's fields against the policy expectations in
// options, with exts carrying the TCB and chip identity bound into the endorsement key
// certificate. All checks run regardless of earlier failures, and the returned
// violations are in a deterministic order. The error return is reserved for malformed
// options. Does not check the attestation certificates or signature.
func SnpReport(report *abi.Report, exts *kds.Extensions, options *Options) ([]Violation, error) {
	if report == nil {
		return nil, fmt.Errorf("report must not be nil")
	}
	if exts == nil {
		return nil, fmt.Errorf("endorsement key extensions must not be nil")
	}
	if options == nil {
		options = &Options{}
	}
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	c := &checker{}
	c.checkTcb(report, exts.TCBVersion, options)
	c.checkMeasurement(report.Measurement[:], options.AcceptedMeasurements)
	c.checkVerbatimFields(report, options)
	c.checkHwid(report, exts)
	c.checkPolicy(report.Policy, options.GuestPolicy)
	c.checkVersion(report, options)
	c.checkPlatformInfo(report.PlatformInfo, options.PlatformInfo)
	c.checkKeys(report, options)
	return c.violations, nil
}

// RawSnpReport parses a raw attestation report and its certificate table and checks the
// report's fields against the policy expectations in options. Does not check the
// attestation certificates or signature.
func RawSnpReport(rawReport, certTable []byte, options *Options) ([]Violation, error) {
	report, err := abi.ParseReport(rawReport)
	if err != nil {
		return nil, fmt.Errorf("could not parse attestation report: %v", err)
	}
	certs := new(abi.CertTable)
	if err := certs.Unmarshal(certTable); err != nil {
		return nil, fmt.Errorf("could not unmarshal SNP certificate table: %v", err)
	}
	vcekDER, err := certs.GetByGUIDString(abi.VcekGUID)
	if err != nil {
		return nil, fmt.Errorf("could not get VCEK certificate: %v", err)
	}
	vcek, err := x509.ParseCertificate(vcekDER)
	if err != nil {
		return nil, fmt.Errorf("could not parse VCEK certificate: %v", err)
	}
	exts, err := kds.VcekCertificateExtensions(vcek)
	if err != nil {
		return nil, fmt.Errorf("could not get VCEK certificate extensions: %v", err)
	}
	return SnpReport(report, exts, options)
}
