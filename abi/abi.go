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

// Package abi encapsulates the fixed binary formats of AMD SEV-SNP attestation
// reports and certificate tables, and provides parsing and serialization for them.
// All multi-byte fields are little-endian as mandated by the SEV-SNP ABI
// specification https://www.amd.com/system/files/TechDocs/56860.pdf
package abi

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// ReportSize is the ABI-specified byte size of an SEV-SNP attestation report.
	ReportSize = 0x4A0

	// FamilyIDSize is the field size of FAMILY_ID in an attestation report.
	FamilyIDSize = 16
	// ImageIDSize is the field size of IMAGE_ID in an attestation report.
	ImageIDSize = 16
	// ReportDataSize is the field size of REPORT_DATA in an attestation report.
	ReportDataSize = 64
	// MeasurementSize is the field size of MEASUREMENT in an attestation report.
	MeasurementSize = 48
	// HostDataSize is the field size of HOST_DATA in an attestation report.
	HostDataSize = 32
	// IDKeyDigestSize is the field size of ID_KEY_DIGEST in an attestation report.
	IDKeyDigestSize = 48
	// AuthorKeyDigestSize is the field size of AUTHOR_KEY_DIGEST in an attestation report.
	AuthorKeyDigestSize = 48
	// ReportIDSize is the field size of REPORT_ID in an attestation report.
	ReportIDSize = 32
	// ReportIDMASize is the field size of REPORT_ID_MA in an attestation report.
	ReportIDMASize = 32
	// ChipIDSize is the field size of CHIP_ID in an attestation report.
	ChipIDSize = 64
	// SignatureSize is the field size of SIGNATURE in an attestation report.
	SignatureSize = 512

	policyOffset    = 0x08
	signatureOffset = 0x2A0
	ecdsaRSsize     = 72 // From the ECDSA-P384-SHA384 signature format.

	// EcdsaP384Sha384SignatureSize is the length in bytes of the ECDSA-P384-SHA384 signature format.
	// The signature is represented in the ABI format as r || s, each a little-endian
	// zero-padded 72 byte value.
	EcdsaP384Sha384SignatureSize = ecdsaRSsize * 2

	// SignEcdsaP384Sha384 is the SIGNATURE_ALGO value for ECDSA-P384 with SHA-384.
	SignEcdsaP384Sha384 = 1

	// The guest policy's bit 17 is reserved and must be 1.
	snpPolicyReservedMustBe1 = uint64(1) << 17

	// GUIDSize is the byte length of a GUID in the SNP certificate table format.
	GUIDSize = 16
	// CertTableEntrySize is the ABI size of the certificate table header entry:
	// a GUID, a 4 byte offset, and a 4 byte length.
	CertTableEntrySize = GUIDSize + 8

	// VcekGUID is the Versioned Chip Endorsement Key GUID from the extended guest
	// request certificate table specification.
	VcekGUID = "63da758d-e664-4564-adc5-f4b93be8accd"
	// VlekGUID is the Versioned Loaded Endorsement Key GUID.
	VlekGUID = "a8074bc2-a25a-483e-aae6-39c045a0b8a1"
	// AskGUID is the AMD signing Key GUID.
	AskGUID = "4ab7b379-bbac-4fe4-a02f-05aef327c782"
	// ArkGUID is the AMD Root Key GUID.
	ArkGUID = "c0b406a4-a803-4952-9743-3fb6014cd0ae"
)

// DecodeErrorKind classifies why a binary buffer could not be interpreted.
type DecodeErrorKind int

const (
	// DecodeTooShort means the buffer is smaller than the format-mandated length.
	DecodeTooShort DecodeErrorKind = iota
	// DecodeBadVersion means the buffer's version field names an unsupported format revision.
	DecodeBadVersion
	// DecodeMalformedOffset means an embedded offset/length header points outside the buffer.
	DecodeMalformedOffset
	// DecodeMalformed means the buffer violates a wellformedness constraint of the format,
	// such as a must-be-zero range carrying data.
	DecodeMalformed
)

// DecodeError is the error type for all attestation buffer interpretation failures.
// Decoding is a deterministic function of the input bytes, so a DecodeError is
// never retriable.
type DecodeError struct {
	// Kind is the failure classification.
	Kind DecodeErrorKind
	msg  string
}

func (e *DecodeError) Error() string { return e.msg }

func decodeErrorf(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Report represents an SEV-SNP ATTESTATION_REPORT in its most recent stable
// revisions (versions 2 and 3). All fields other than the signature are attested
// by the AMD secure processor. Values are immutable once parsed.
type Report struct {
	Version         uint32
	GuestSvn        uint32
	Policy          uint64
	FamilyID        [FamilyIDSize]byte
	ImageID         [ImageIDSize]byte
	Vmpl            uint32
	SignatureAlgo   uint32
	CurrentTcb      uint64
	PlatformInfo    uint64
	SignerInfo      uint32
	ReportData      [ReportDataSize]byte
	Measurement     [MeasurementSize]byte
	HostData        [HostDataSize]byte
	IDKeyDigest     [IDKeyDigestSize]byte
	AuthorKeyDigest [AuthorKeyDigestSize]byte
	ReportID        [ReportIDSize]byte
	ReportIDMA      [ReportIDMASize]byte
	ReportedTcb     uint64
	// CpuFamily, CpuModel, CpuStepping are only present in report version 3 and
	// are zero otherwise.
	CpuFamily      uint8
	CpuModel       uint8
	CpuStepping    uint8
	ChipID         [ChipIDSize]byte
	CommittedTcb   uint64
	CurrentBuild   uint8
	CurrentMinor   uint8
	CurrentMajor   uint8
	CommittedBuild uint8
	CommittedMinor uint8
	CommittedMajor uint8
	LaunchTcb      uint64
	Signature      [SignatureSize]byte
}

func findNonZero(data []uint8, lo, hi int) int {
	for i := lo; i < hi; i++ {
		if data[i] != 0 {
			return i
		}
	}
	return hi
}

func mbz(data []uint8, lo, hi int) error {
	if findNonZero(data, lo, hi) != hi {
		return decodeErrorf(DecodeMalformed, "mbz range [0x%x:0x%x] not all zero: %s",
			lo, hi, hex.EncodeToString(data[lo:findNonZero(data, lo, hi)+1]))
	}
	return nil
}

func mbz64(data uint64, base string, hi, lo int) error {
	mask := ^uint64(0)
	if hi-lo < 63 {
		mask = (uint64(1) << uint(hi-lo+1)) - 1
	}
	if (data>>uint(lo))&mask != 0 {
		return decodeErrorf(DecodeMalformed, "mbz range %s[0x%x:0x%x] not all zero: %x",
			base, lo, hi, data)
	}
	return nil
}

// SnpPolicy represents the bitmask guest policy that governs the VM's behavior
// from launch.
type SnpPolicy struct {
	// ABIMinor is the minimum minor version of the SEV-SNP firmware ABI that the
	// guest can run under.
	ABIMinor uint8
	// ABIMajor is the minimum major version of the SEV-SNP firmware ABI that the
	// guest can run under.
	ABIMajor uint8
	// SMT is true if symmetric multithreading is allowed on the host.
	SMT bool
	// MigrateMA is true if the guest is allowed to have a migration agent.
	MigrateMA bool
	// Debug is true if the guest's memory may be decrypted by the host for debugging.
	Debug bool
	// SingleSocket is true if the guest may only be active on a single socket.
	SingleSocket bool
}

// ParseSnpPolicy interprets the SEV-SNP API's guest policy bitmask into its
// constituent parts.
func ParseSnpPolicy(guestPolicy uint64) (SnpPolicy, error) {
	result := SnpPolicy{}
	if guestPolicy&snpPolicyReservedMustBe1 == 0 {
		return result, decodeErrorf(DecodeMalformed, "policy[17] is reserved, must be 1, got 0")
	}
	if err := mbz64(guestPolicy, "policy", 0x3f, 0x15); err != nil {
		return result, decodeErrorf(DecodeMalformed, "malformed guest policy: %v", err)
	}
	result.ABIMinor = uint8(guestPolicy & 0xff)
	result.ABIMajor = uint8((guestPolicy >> 8) & 0xff)
	result.SMT = (guestPolicy & (uint64(1) << 16)) != 0
	result.MigrateMA = (guestPolicy & (uint64(1) << 18)) != 0
	result.Debug = (guestPolicy & (uint64(1) << 19)) != 0
	result.SingleSocket = (guestPolicy & (uint64(1) << 20)) != 0
	return result, nil
}

// SnpPolicyToBytes translates a structural representation of a guest policy to its
// ABI format.
func SnpPolicyToBytes(policy SnpPolicy) uint64 {
	result := snpPolicyReservedMustBe1 | uint64(policy.ABIMinor) | (uint64(policy.ABIMajor) << 8)
	if policy.SMT {
		result |= uint64(1) << 16
	}
	if policy.MigrateMA {
		result |= uint64(1) << 18
	}
	if policy.Debug {
		result |= uint64(1) << 19
	}
	if policy.SingleSocket {
		result |= uint64(1) << 20
	}
	return result
}

// SnpPlatformInfo represents an interpretation of the PLATFORM_INFO field of an
// attestation report.
type SnpPlatformInfo struct {
	// SMTEnabled represents if the platform that produced the attestation report
	// has SMT enabled.
	SMTEnabled bool
	// TSMEEnabled represents if the platform that produced the attestation report
	// has transparent secure memory encryption (TSME) enabled.
	TSMEEnabled bool
}

// ParseSnpPlatformInfo returns an interpretation of the given platform info, or
// an error for unrecognized bits.
func ParseSnpPlatformInfo(platformInfo uint64) (SnpPlatformInfo, error) {
	result := SnpPlatformInfo{
		SMTEnabled:  (platformInfo & (uint64(1) << 0)) != 0,
		TSMEEnabled: (platformInfo & (uint64(1) << 1)) != 0,
	}
	reserved := platformInfo & ^uint64(0x3)
	if reserved != 0 {
		return result, decodeErrorf(DecodeMalformed,
			"unrecognized platform info bit(s): 0x%x", platformInfo)
	}
	return result, nil
}

// ReportSigner is the type of the key that signed an attestation report.
type ReportSigner uint8

const (
	// VcekReportSigner is the SIGNING_KEY value for if the VCEK signed the
	// attestation report.
	VcekReportSigner ReportSigner = iota
	// VlekReportSigner is the SIGNING_KEY value for if the VLEK signed the
	// attestation report.
	VlekReportSigner
	endorseReserved2
	endorseReserved3
	endorseReserved4
	endorseReserved5
	endorseReserved6
	// NoneReportSigner is the SIGNING_KEY value for if the attestation report is
	// not signed.
	NoneReportSigner
)

// SignerInfo represents information about the signing circumstances for the
// attestation report.
type SignerInfo struct {
	// SigningKey decodes the SIGNING_KEY field of the attestation report.
	SigningKey ReportSigner
	// MaskChipKey is true if the CHIP_ID field is all zeros.
	MaskChipKey bool
	// AuthorKeyEn is true if the VM is launched with an IDBLOCK that includes an
	// author key.
	AuthorKeyEn bool
}

// String returns a description of the signing key kind.
func (k ReportSigner) String() string {
	switch k {
	case VcekReportSigner:
		return "VCEK"
	case VlekReportSigner:
		return "VLEK"
	case NoneReportSigner:
		return "None"
	default:
		return fmt.Sprintf("Unknown (%d)", k)
	}
}

// ParseSignerInfo interprets the SIGNER_INFO field of an attestation report.
func ParseSignerInfo(signerInfo uint32) (SignerInfo, error) {
	result := SignerInfo{}
	info64 := uint64(signerInfo)
	if err := mbz64(info64, "data[0x48:0x4C]", 31, 5); err != nil {
		return result, err
	}
	result.AuthorKeyEn = (info64 & 1) != 0
	result.MaskChipKey = (info64 & 2) != 0
	result.SigningKey = ReportSigner((info64 >> 2) & 7)
	if result.SigningKey > VlekReportSigner && result.SigningKey < NoneReportSigner {
		return result, decodeErrorf(DecodeMalformed, "signing key values 2-6 are reserved. Got %v", result.SigningKey)
	}
	return result, nil
}

// ComposeSignerInfo returns the uint32 representation of a SignerInfo.
func ComposeSignerInfo(signerInfo SignerInfo) uint32 {
	var result uint32
	if signerInfo.AuthorKeyEn {
		result |= 1
	}
	if signerInfo.MaskChipKey {
		result |= 2
	}
	result |= uint32(signerInfo.SigningKey) << 2
	return result
}

// ReportSignerInfo returns the signer info component of a raw attestation report.
func ReportSignerInfo(data []byte) (uint32, error) {
	if len(data) < 0x4C {
		return 0, decodeErrorf(DecodeTooShort, "report too small to carry signer info: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0x48:0x4C]), nil
}

// reportMbz checks the must-be-zero ranges of a raw report, which differ slightly
// between report versions 2 and 3.
func reportMbz(data []byte, version uint32) error {
	mbzLo := 0x188
	if version >= 3 {
		// Version 3 carries family/model/stepping identifiers at 0x188.
		mbzLo = 0x18B
	}
	if err := mbz(data, 0x4C, 0x50); err != nil {
		return err
	}
	if err := mbz(data, mbzLo, 0x1A0); err != nil {
		return err
	}
	if err := mbz(data, 0x1EB, 0x1EC); err != nil {
		return err
	}
	if err := mbz(data, 0x1EF, 0x1F0); err != nil {
		return err
	}
	return mbz(data, 0x1F8, signatureOffset)
}

// signatureMbz checks the signature component's zero padding for the report's
// declared signature algorithm.
func signatureMbz(data []byte) error {
	algo := SignatureAlgo(data)
	if algo == SignEcdsaP384Sha384 {
		return mbz(data, signatureOffset+EcdsaP384Sha384SignatureSize, ReportSize)
	}
	return decodeErrorf(DecodeMalformed, "unknown SIGNATURE_ALGO: %d", algo)
}

// ValidateReportFormat returns an error if the provided buffer violates
// structural expectations of attestation report data.
func ValidateReportFormat(data []byte) error {
	if len(data) < ReportSize {
		return decodeErrorf(DecodeTooShort, "report size is 0x%x bytes. Expected 0x%x bytes", len(data), ReportSize)
	}
	version := binary.LittleEndian.Uint32(data[0x00:0x04])
	if version != 2 && version != 3 {
		return decodeErrorf(DecodeBadVersion, "report version is: %d. Expected 2 or 3", version)
	}
	policy := binary.LittleEndian.Uint64(data[policyOffset : policyOffset+8])
	if _, err := ParseSnpPolicy(policy); err != nil {
		return err
	}
	if _, err := ParseSignerInfo(binary.LittleEndian.Uint32(data[0x48:0x4C])); err != nil {
		return err
	}
	if err := reportMbz(data, version); err != nil {
		return err
	}
	return signatureMbz(data)
}

// ParseReport interprets a raw attestation report as a Report, or returns a
// DecodeError. The buffer must be exactly ReportSize bytes. Never reads out of
// bounds and never panics on adversarial input.
func ParseReport(data []byte) (*Report, error) {
	if len(data) < ReportSize {
		return nil, decodeErrorf(DecodeTooShort, "array size is 0x%x, an SEV-SNP attestation report size is 0x%x", len(data), ReportSize)
	}
	if len(data) > ReportSize {
		return nil, decodeErrorf(DecodeMalformed, "0x%x trailing bytes after attestation report", len(data)-ReportSize)
	}
	if err := ValidateReportFormat(data); err != nil {
		return nil, err
	}
	r := &Report{
		Version:       binary.LittleEndian.Uint32(data[0x00:0x04]),
		GuestSvn:      binary.LittleEndian.Uint32(data[0x04:0x08]),
		Policy:        binary.LittleEndian.Uint64(data[0x08:0x10]),
		Vmpl:          binary.LittleEndian.Uint32(data[0x30:0x34]),
		SignatureAlgo: binary.LittleEndian.Uint32(data[0x34:0x38]),
		CurrentTcb:    binary.LittleEndian.Uint64(data[0x38:0x40]),
		PlatformInfo:  binary.LittleEndian.Uint64(data[0x40:0x48]),
		SignerInfo:    binary.LittleEndian.Uint32(data[0x48:0x4C]),
		ReportedTcb:   binary.LittleEndian.Uint64(data[0x180:0x188]),
		CommittedTcb:  binary.LittleEndian.Uint64(data[0x1E0:0x1E8]),

		CurrentBuild:   data[0x1E8],
		CurrentMinor:   data[0x1E9],
		CurrentMajor:   data[0x1EA],
		CommittedBuild: data[0x1EC],
		CommittedMinor: data[0x1ED],
		CommittedMajor: data[0x1EE],
		LaunchTcb:      binary.LittleEndian.Uint64(data[0x1F0:0x1F8]),
	}
	copy(r.FamilyID[:], data[0x10:0x20])
	copy(r.ImageID[:], data[0x20:0x30])
	copy(r.ReportData[:], data[0x50:0x90])
	copy(r.Measurement[:], data[0x90:0xC0])
	copy(r.HostData[:], data[0xC0:0xE0])
	copy(r.IDKeyDigest[:], data[0xE0:0x110])
	copy(r.AuthorKeyDigest[:], data[0x110:0x140])
	copy(r.ReportID[:], data[0x140:0x160])
	copy(r.ReportIDMA[:], data[0x160:0x180])
	copy(r.ChipID[:], data[0x1A0:0x1E0])
	copy(r.Signature[:], data[signatureOffset:ReportSize])
	if r.Version >= 3 {
		r.CpuFamily = data[0x188]
		r.CpuModel = data[0x189]
		r.CpuStepping = data[0x18A]
	}
	return r, nil
}

// Marshal returns the Report in its ABI format. Marshal is the inverse of
// ParseReport for all wellformed reports, and is primarily useful for
// constructing test fixtures.
func (r *Report) Marshal() []byte {
	data := make([]byte, ReportSize)
	binary.LittleEndian.PutUint32(data[0x00:0x04], r.Version)
	binary.LittleEndian.PutUint32(data[0x04:0x08], r.GuestSvn)
	binary.LittleEndian.PutUint64(data[0x08:0x10], r.Policy)
	copy(data[0x10:0x20], r.FamilyID[:])
	copy(data[0x20:0x30], r.ImageID[:])
	binary.LittleEndian.PutUint32(data[0x30:0x34], r.Vmpl)
	binary.LittleEndian.PutUint32(data[0x34:0x38], r.SignatureAlgo)
	binary.LittleEndian.PutUint64(data[0x38:0x40], r.CurrentTcb)
	binary.LittleEndian.PutUint64(data[0x40:0x48], r.PlatformInfo)
	binary.LittleEndian.PutUint32(data[0x48:0x4C], r.SignerInfo)
	copy(data[0x50:0x90], r.ReportData[:])
	copy(data[0x90:0xC0], r.Measurement[:])
	copy(data[0xC0:0xE0], r.HostData[:])
	copy(data[0xE0:0x110], r.IDKeyDigest[:])
	copy(data[0x110:0x140], r.AuthorKeyDigest[:])
	copy(data[0x140:0x160], r.ReportID[:])
	copy(data[0x160:0x180], r.ReportIDMA[:])
	binary.LittleEndian.PutUint64(data[0x180:0x188], r.ReportedTcb)
	if r.Version >= 3 {
		data[0x188] = r.CpuFamily
		data[0x189] = r.CpuModel
		data[0x18A] = r.CpuStepping
	}
	copy(data[0x1A0:0x1E0], r.ChipID[:])
	binary.LittleEndian.PutUint64(data[0x1E0:0x1E8], r.CommittedTcb)
	data[0x1E8] = r.CurrentBuild
	data[0x1E9] = r.CurrentMinor
	data[0x1EA] = r.CurrentMajor
	data[0x1EC] = r.CommittedBuild
	data[0x1ED] = r.CommittedMinor
	data[0x1EE] = r.CommittedMajor
	binary.LittleEndian.PutUint64(data[0x1F0:0x1F8], r.LaunchTcb)
	copy(data[signatureOffset:ReportSize], r.Signature[:])
	return data
}

// SignedComponent returns the bytes of the report that are signed by the AMD-SP,
// i.e., everything up to but excluding the signature.
func SignedComponent(report []byte) []byte {
	return report[0:signatureOffset]
}

// SignatureAlgo returns the SignatureAlgo field of a raw report.
func SignatureAlgo(report []byte) uint32 {
	return binary.LittleEndian.Uint32(report[0x34:0x38])
}

// AmdBigInt returns a given AMD format little endian big integer as a big.Int.
func AmdBigInt(b []byte) *big.Int {
	reversed := make([]byte, len(b))
	for i, x := range b {
		reversed[len(b)-i-1] = x
	}
	return new(big.Int).SetBytes(reversed)
}

// bigIntToAMDRS writes a big-endian big.Int to the AMD signature format: a
// zero-padded little-endian 72 byte value.
func bigIntToAMDRS(b *big.Int) ([]byte, error) {
	bigEndian := b.Bytes()
	if len(bigEndian) > ecdsaRSsize {
		return nil, fmt.Errorf("signature component is %d bytes. Expect at most %d", len(bigEndian), ecdsaRSsize)
	}
	result := make([]byte, ecdsaRSsize)
	for i, x := range bigEndian {
		result[len(bigEndian)-i-1] = x
	}
	return result, nil
}

// SetSignature writes the given r, s signature components to the signature
// portion of a raw attestation report in AMD's format.
func SetSignature(r, s *big.Int, report []byte) error {
	if len(report) != ReportSize {
		return decodeErrorf(DecodeTooShort, "report is %d bytes. Expect %d", len(report), ReportSize)
	}
	rBytes, err := bigIntToAMDRS(r)
	if err != nil {
		return err
	}
	sBytes, err := bigIntToAMDRS(s)
	if err != nil {
		return err
	}
	copy(report[signatureOffset:signatureOffset+ecdsaRSsize], rBytes)
	copy(report[signatureOffset+ecdsaRSsize:signatureOffset+2*ecdsaRSsize], sBytes)
	return nil
}

// ReportToSignatureDER returns the signature component of an attestation report
// in DER format as expected by x509 certificate signature checking.
func ReportToSignatureDER(report []byte) ([]byte, error) {
	if len(report) != ReportSize {
		return nil, decodeErrorf(DecodeTooShort, "incorrect report size: %x, want %x", len(report), ReportSize)
	}
	algo := SignatureAlgo(report)
	if algo != SignEcdsaP384Sha384 {
		return nil, fmt.Errorf("unknown signature algorithm: %d", algo)
	}
	der := cryptobyte.NewBuilder(nil)
	der.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(AmdBigInt(report[signatureOffset : signatureOffset+ecdsaRSsize]))
		b.AddASN1BigInt(AmdBigInt(report[signatureOffset+ecdsaRSsize : signatureOffset+2*ecdsaRSsize]))
	})
	return der.Bytes()
}

// CertTableHeaderEntry defines an entry of the beginning of an extended
// attestation report which points to a specific key's certificate.
type CertTableHeaderEntry struct {
	// GUID is one of VcekGUID, VlekGUID, AskGUID, or ArkGUID.
	GUID uuid.UUID
	// Offset of the certificate blob in the table, from the start of the table.
	Offset uint32
	// Length of the certificate blob.
	Length uint32
}

// Write writes the CertTableHeaderEntry in its ABI format to data.
func (h *CertTableHeaderEntry) Write(data []byte) error {
	if len(data) < CertTableEntrySize {
		return decodeErrorf(DecodeTooShort, "data too small: %v, want %v", len(data), CertTableEntrySize)
	}
	copy(data[0:GUIDSize], h.GUID[:])
	binary.LittleEndian.PutUint32(data[GUIDSize:GUIDSize+4], h.Offset)
	binary.LittleEndian.PutUint32(data[GUIDSize+4:GUIDSize+8], h.Length)
	return nil
}

// ParseSnpCertTableHeader interprets the data pages from an extended guest
// request for certificate information. The table is a zero-GUID-terminated
// sequence of header entries.
func ParseSnpCertTableHeader(certs []byte) ([]CertTableHeaderEntry, error) {
	var entries []CertTableHeaderEntry
	// Allow an empty table.
	if len(certs) == 0 {
		return nil, nil
	}
	slice := certs[:]
	for index := 0; ; index++ {
		if len(slice) < CertTableEntrySize {
			return nil, decodeErrorf(DecodeTooShort,
				"cert table entry %d is truncated: %d bytes, want %d", index, len(slice), CertTableEntrySize)
		}
		var entry CertTableHeaderEntry
		copy(entry.GUID[:], slice[0:GUIDSize])
		entry.Offset = binary.LittleEndian.Uint32(slice[GUIDSize : GUIDSize+4])
		entry.Length = binary.LittleEndian.Uint32(slice[GUIDSize+4 : GUIDSize+8])
		if entry.GUID == uuid.Nil {
			break
		}
		// Offsets are relative to the start of the table, and must land within it.
		end := uint64(entry.Offset) + uint64(entry.Length)
		if end > uint64(len(certs)) {
			return nil, decodeErrorf(DecodeMalformedOffset,
				"cert table entry %d specifies a byte range outside the certificate data block (size 0x%x): offset=0x%x, length=0x%x",
				index, len(certs), entry.Offset, entry.Length)
		}
		entries = append(entries, entry)
		slice = slice[CertTableEntrySize:]
	}
	return entries, nil
}

// CertTableEntry represents both the GUID and whole Certificate contents denoted
// by the extended guest request certificate table format.
type CertTableEntry struct {
	GUID    uuid.UUID
	RawCert []byte
}

// CertTable represents each (GUID, Blob) pair of certificates returned by an
// extended guest request.
type CertTable struct {
	Entries []CertTableEntry
}

// Unmarshal populates the certTable with the (GUID, Blob) pairs represented in
// the given bytes. The format of the bytes is specified by the SEV SNP API for
// extended guest requests.
func (c *CertTable) Unmarshal(certs []byte) error {
	certTableHeader, err := ParseSnpCertTableHeader(certs)
	if err != nil {
		return err
	}
	for _, entry := range certTableHeader {
		rawCert := make([]byte, entry.Length)
		copy(rawCert, certs[entry.Offset:entry.Offset+entry.Length])
		c.Entries = append(c.Entries, CertTableEntry{GUID: entry.GUID, RawCert: rawCert})
	}
	return nil
}

// Marshal returns the certificates in the CertTable in their GUID table ABI
// format.
func (c *CertTable) Marshal() []byte {
	// The table is terminated with a zero GUID entry.
	headerSize := (len(c.Entries) + 1) * CertTableEntrySize
	var blobs bytes.Buffer
	headers := make([]CertTableHeaderEntry, len(c.Entries))
	for i, entry := range c.Entries {
		headers[i].GUID = entry.GUID
		headers[i].Offset = uint32(headerSize + blobs.Len())
		headers[i].Length = uint32(len(entry.RawCert))
		blobs.Write(entry.RawCert)
	}
	result := make([]byte, headerSize+blobs.Len())
	for i := range headers {
		// The result is allocated to fit every header, so Write cannot fail.
		_ = headers[i].Write(result[i*CertTableEntrySize:])
	}
	copy(result[headerSize:], blobs.Bytes())
	return result
}

// GetByGUIDString returns the raw bytes for a certificate that matches a key
// identified by the given GUID string.
func (c *CertTable) GetByGUIDString(guid string) ([]byte, error) {
	g, err := uuid.Parse(guid)
	if err != nil {
		return nil, err
	}
	for _, entry := range c.Entries {
		if entry.GUID == g {
			return entry.RawCert, nil
		}
	}
	return nil, fmt.Errorf("cert not found for GUID %s", guid)
}
