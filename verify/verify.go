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

// Package verify checks the certificate chain that endorses an SEV-SNP attestation
// report and the report's own signature.
package verify

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	"github.com/blyssprivacy/sev-attest-tool/verify/trust"
	"github.com/google/logger"
)

const (
	arkX509Version  = 3
	askX509Version  = 3
	vcekX509Version = 3
)

// ChainErrorKind classifies why an endorsement certificate chain was rejected.
type ChainErrorKind int

const (
	// ChainSelfSignFailed means the root certificate's self-signature does not check out.
	ChainSelfSignFailed ChainErrorKind = iota
	// ChainLinkSignatureFailed means a certificate is not signed by its named issuer's key.
	ChainLinkSignatureFailed
	// ChainIssuerSubjectMismatch means a certificate's issuer does not name its parent's subject.
	ChainIssuerSubjectMismatch
	// ChainUnsupportedCurve means the endorsement key is not on the curve AMD signs reports with.
	ChainUnsupportedCurve
	// ChainRootNotPinned means the chain is internally consistent, but its root matches none of
	// the caller's trusted root fingerprints.
	ChainRootNotPinned
	// ChainMalformed means a certificate could not be parsed or carries values the KDS
	// specification forbids.
	ChainMalformed
)

// ChainError is the error type for all endorsement chain rejections. Role names the
// certificate at fault: ARK, ASK, or VCEK.
type ChainError struct {
	Kind ChainErrorKind
	Role string
	msg  string
}

func (e *ChainError) Error() string { return e.msg }

func chainErrorf(kind ChainErrorKind, role, format string, args ...any) *ChainError {
	return &ChainError{Kind: kind, Role: role, msg: fmt.Sprintf(format, args...)}
}

// VerifyErrorKind classifies why a report signature was rejected.
type VerifyErrorKind int

const (
	// SignatureInvalid means the ECDSA verification equation does not hold.
	SignatureInvalid VerifyErrorKind = iota
	// MalformedSignatureEncoding means the report's signature component could not be
	// re-encoded for verification.
	MalformedSignatureEncoding
	// UnsupportedAlgo means the report names a signature algorithm this verifier does
	// not implement.
	UnsupportedAlgo
)

// VerifyError is the error type for report signature rejections.
type VerifyError struct {
	Kind VerifyErrorKind
	msg  string
}

func (e *VerifyError) Error() string { return e.msg }

func verifyErrorf(kind VerifyErrorKind, format string, args ...any) *VerifyError {
	return &VerifyError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Options represents verification options for an SEV-SNP attestation report's
// endorsement chain.
type Options struct {
	// ArkFingerprints is a list of hex-encoded SHA-384 digests of trusted DER-encoded ARK
	// certificates. If non-empty, the chain root must match one of them.
	ArkFingerprints []string
	// TrustedRoots specifies the ARK and ASK certificates to trust when checking the VCEK.
	// Maps a product line to an array of allowed roots. If nil and ArkFingerprints is empty,
	// any internally consistent chain is accepted and the result is flagged as
	// SelfSignedOnly.
	TrustedRoots map[string][]*trust.AMDRootCerts
	// DisableCertFetching set to true if verification should not connect to the AMD KDS to
	// fill in any missing certificates. Uses Getter if false.
	DisableCertFetching bool
	// Getter takes a URL and returns the body of its contents. By default uses http.Get and
	// returns the body.
	Getter trust.HTTPSGetter
	// Now is the time at which to check the validity windows of certificates. If zero,
	// uses time.Now().
	Now time.Time
	// ProductLine overrides the product line for KDS lookups and intermediate common-name
	// checks. If empty, it is derived from the report or the VCEK productName extension.
	ProductLine string
}

// DefaultOptions returns a useful default verification option setting.
func DefaultOptions() *Options {
	return &Options{
		Getter: trust.DefaultHTTPSGetter(),
		Now:    time.Now(),
	}
}

// Endorsement is the outcome of a successful chain validation: the trusted VCEK
// and the platform binding data its certificate carries.
type Endorsement struct {
	// Vcek is the validated endorsement key certificate.
	Vcek *x509.Certificate
	// Extensions carries the TCB and chip identity the KDS bound to the VCEK.
	Extensions *kds.Extensions
	// SelfSignedOnly is true when the chain was accepted without any pinned fingerprint or
	// caller-provided root, i.e., on the strength of its self-signature alone.
	SelfSignedOnly bool
}

// Check the expected metadata as documented in AMD's KDS specification
// https://www.amd.com/system/files/TechDocs/57230.pdf
func validateAmdLocation(name pkix.Name, role string) error {
	checkSingletonList := func(l []string, name, names, value string) error {
		if len(l) != 1 {
			return fmt.Errorf("%s has %d %s, want 1", role, len(l), names)
		}
		if l[0] != value {
			return fmt.Errorf("%s %s '%s' not expected for AMD. Expected '%s'", role, name, l[0], value)
		}
		return nil
	}
	if err := checkSingletonList(name.Country, "country", "countries", "US"); err != nil {
		return err
	}
	if err := checkSingletonList(name.Locality, "locality", "localities", "Santa Clara"); err != nil {
		return err
	}
	if err := checkSingletonList(name.Province, "state", "states", "CA"); err != nil {
		return err
	}
	if err := checkSingletonList(name.Organization, "organization", "organizations", "Advanced Micro Devices"); err != nil {
		return err
	}
	return checkSingletonList(name.OrganizationalUnit, "organizational unit", "organizational units", "Engineering")
}

func endorsementKeyCommonName(key abi.ReportSigner) string {
	return fmt.Sprintf("SEV-%v", key)
}

func intermediateKeyCommonName(productLine string, key abi.ReportSigner) string {
	if productLine != "" {
		switch key {
		case abi.VcekReportSigner:
			return fmt.Sprintf("SEV-%s", productLine)
		case abi.VlekReportSigner:
			return fmt.Sprintf("SEV-VLEK-%s", productLine)
		}
	}
	return ""
}

func checkValidityWindow(cert *x509.Certificate, role string, now time.Time) error {
	if now.IsZero() {
		now = time.Now()
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return chainErrorf(ChainMalformed, role,
			"%s certificate is not valid at %v (valid %v to %v)", role, now, cert.NotBefore, cert.NotAfter)
	}
	return nil
}

// validateArkX509 checks expected metadata about the ARK X.509 certificate and its
// self-signature.
func validateArkX509(ark *x509.Certificate, productLine string, now time.Time) error {
	if ark == nil {
		return chainErrorf(ChainMalformed, "ARK", "no X.509 certificate for ARK")
	}
	if ark.Version != arkX509Version {
		return chainErrorf(ChainMalformed, "ARK", "ARK certificate version: %d. Expected %d", ark.Version, arkX509Version)
	}
	if err := validateAmdLocation(ark.Issuer, "ARK issuer"); err != nil {
		return chainErrorf(ChainMalformed, "ARK", "%v", err)
	}
	if err := validateAmdLocation(ark.Subject, "ARK subject"); err != nil {
		return chainErrorf(ChainMalformed, "ARK", "%v", err)
	}
	if productLine != "" {
		cn := fmt.Sprintf("ARK-%s", productLine)
		if ark.Subject.CommonName != cn {
			return chainErrorf(ChainMalformed, "ARK", "ARK common-name is %s. Expected %s", ark.Subject.CommonName, cn)
		}
	}
	if ark.Issuer.CommonName != ark.Subject.CommonName {
		return chainErrorf(ChainIssuerSubjectMismatch, "ARK",
			"ARK issuer common-name %q is not its subject common-name %q", ark.Issuer.CommonName, ark.Subject.CommonName)
	}
	if err := checkValidityWindow(ark, "ARK", now); err != nil {
		return err
	}
	if err := ark.CheckSignatureFrom(ark); err != nil {
		return chainErrorf(ChainSelfSignFailed, "ARK", "ARK is not self-signed: %v", err)
	}
	return nil
}

// validateAskX509 checks expected metadata about the ASK X.509 certificate and that the
// ARK signed it.
func validateAskX509(ask, ark *x509.Certificate, productLine string, now time.Time) error {
	if ask == nil {
		return chainErrorf(ChainMalformed, "ASK", "no X.509 certificate for ASK")
	}
	if ask.Version != askX509Version {
		return chainErrorf(ChainMalformed, "ASK", "ASK certificate version: %d. Expected %d", ask.Version, askX509Version)
	}
	if err := validateAmdLocation(ask.Issuer, "ASK issuer"); err != nil {
		return chainErrorf(ChainMalformed, "ASK", "%v", err)
	}
	if err := validateAmdLocation(ask.Subject, "ASK subject"); err != nil {
		return chainErrorf(ChainMalformed, "ASK", "%v", err)
	}
	if cn := intermediateKeyCommonName(productLine, abi.VcekReportSigner); cn != "" && ask.Subject.CommonName != cn {
		return chainErrorf(ChainMalformed, "ASK", "ASK common-name is %s. Expected %s", ask.Subject.CommonName, cn)
	}
	if ask.Issuer.CommonName != ark.Subject.CommonName {
		return chainErrorf(ChainIssuerSubjectMismatch, "ASK",
			"ASK issuer common-name %q is not the ARK subject common-name %q", ask.Issuer.CommonName, ark.Subject.CommonName)
	}
	if err := checkValidityWindow(ask, "ASK", now); err != nil {
		return err
	}
	if err := ask.CheckSignatureFrom(ark); err != nil {
		return chainErrorf(ChainLinkSignatureFailed, "ASK", "ASK is not signed by the ARK: %v", err)
	}
	return nil
}

// validateVcekX509 returns the given certificate's KDS extensions if the certificate has
// the documented qualities of a VCEK certificate according to Key Distribution Service
// documentation https://www.amd.com/system/files/TechDocs/57230.pdf, and the ASK signed it.
func validateVcekX509(vcek, ask *x509.Certificate, key abi.ReportSigner, now time.Time) (*kds.Extensions, error) {
	if vcek.Version != vcekX509Version {
		return nil, chainErrorf(ChainMalformed, key.String(), "%v certificate version is %v, expected 3", key, vcek.Version)
	}
	// Signature algorithm: RSASSA-PSS
	// Signature hash algorithm sha384
	if vcek.SignatureAlgorithm != x509.SHA384WithRSAPSS {
		return nil, chainErrorf(ChainMalformed, key.String(),
			"%v certificate signature algorithm is %v, expected SHA-384 with RSASSA-PSS", key, vcek.SignatureAlgorithm)
	}
	// Subject Public Key Info ECDSA on curve P-384
	if vcek.PublicKeyAlgorithm != x509.ECDSA {
		return nil, chainErrorf(ChainUnsupportedCurve, key.String(),
			"%v certificate public key type is %v, expected ECDSA", key, vcek.PublicKeyAlgorithm)
	}
	// Locally bind the public key any type to allow for occurrence typing in the switch statement.
	switch pub := vcek.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if pub.Curve.Params().Name != "P-384" {
			return nil, chainErrorf(ChainUnsupportedCurve, key.String(),
				"%v certificate public key curve is %s, expected P-384", key, pub.Curve.Params().Name)
		}
	default:
		return nil, chainErrorf(ChainUnsupportedCurve, key.String(),
			"%v certificate public key not ecdsa PublicKey type %v", key, pub)
	}

	if err := validateAmdLocation(vcek.Subject, fmt.Sprintf("%v subject", key)); err != nil {
		return nil, chainErrorf(ChainMalformed, key.String(), "%v", err)
	}
	if want := endorsementKeyCommonName(key); vcek.Subject.CommonName != want {
		return nil, chainErrorf(ChainMalformed, key.String(),
			"%v certificate subject common name %v not expected. Expected %s", key, vcek.Subject.CommonName, want)
	}
	if err := validateAmdLocation(vcek.Issuer, fmt.Sprintf("%v issuer", key)); err != nil {
		return nil, chainErrorf(ChainMalformed, key.String(), "%v", err)
	}
	if vcek.Issuer.CommonName != ask.Subject.CommonName {
		return nil, chainErrorf(ChainIssuerSubjectMismatch, key.String(),
			"%v issuer common-name %q is not the ASK subject common-name %q", key, vcek.Issuer.CommonName, ask.Subject.CommonName)
	}
	exts, err := kds.CertificateExtensions(vcek, key)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, key.String(), "%v certificate extensions: %v", key, err)
	}
	if line := kds.ProductLineOfProductName(exts.ProductName); line == "Unknown" {
		return nil, chainErrorf(ChainMalformed, key.String(),
			"%v certificate productName %q names no known product", key, exts.ProductName)
	}
	if err := checkValidityWindow(vcek, key.String(), now); err != nil {
		return nil, err
	}
	if err := vcek.CheckSignatureFrom(ask); err != nil {
		return nil, chainErrorf(ChainLinkSignatureFailed, key.String(), "%v is not signed by the ASK: %v", key, err)
	}
	return exts, nil
}

// checkArkTrusted enforces the caller's root-of-trust expectations on a structurally valid
// ARK. Reports whether the chain rests only on its own self-signature.
func checkArkTrusted(ark *x509.Certificate, productLine string, options *Options) (bool, error) {
	if len(options.ArkFingerprints) > 0 {
		fp := sha512.Sum384(ark.Raw)
		got := hex.EncodeToString(fp[:])
		for _, want := range options.ArkFingerprints {
			if strings.EqualFold(got, want) {
				return false, nil
			}
		}
		return false, chainErrorf(ChainRootNotPinned, "ARK",
			"ARK fingerprint %s matches none of the %d trusted fingerprints", got, len(options.ArkFingerprints))
	}
	if len(options.TrustedRoots) > 0 {
		for _, root := range options.TrustedRoots[productLine] {
			if root.ArkX509 != nil && root.ArkX509.Equal(ark) {
				return false, nil
			}
		}
		return false, chainErrorf(ChainRootNotPinned, "ARK",
			"ARK is not one of the caller's trusted roots for product %q", productLine)
	}
	logger.Warningf("accepting self-signed ARK for product %q without a pinned root of trust", productLine)
	return true, nil
}

// SnpChain validates an ARK→ASK→VCEK endorsement chain from DER-encoded certificates:
// metadata the KDS specification mandates, issuer/subject linkage, the ARK's
// self-signature, each link's signature, and the caller's root-of-trust pins. Returns
// the validated endorsement on success.
func SnpChain(vcekDER, askDER, arkDER []byte, options *Options) (*Endorsement, error) {
	if options == nil {
		options = DefaultOptions()
	}
	ark, err := x509.ParseCertificate(arkDER)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, "ARK", "could not interpret ARK DER bytes: %v", err)
	}
	ask, err := x509.ParseCertificate(askDER)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, "ASK", "could not interpret ASK DER bytes: %v", err)
	}
	vcek, err := x509.ParseCertificate(vcekDER)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, "VCEK", "could not interpret VCEK DER bytes: %v", err)
	}

	productLine := options.ProductLine
	if productLine == "" {
		// Derive the product from the VCEK's extensions so the intermediate
		// common-name checks have a concrete expectation.
		if exts, err := kds.VcekCertificateExtensions(vcek); err == nil {
			if line := kds.ProductLineOfProductName(exts.ProductName); line != "Unknown" {
				productLine = line
			}
		}
	}

	if err := validateArkX509(ark, productLine, options.Now); err != nil {
		return nil, err
	}
	selfSignedOnly, err := checkArkTrusted(ark, productLine, options)
	if err != nil {
		return nil, err
	}
	if err := validateAskX509(ask, ark, productLine, options.Now); err != nil {
		return nil, err
	}
	exts, err := validateVcekX509(vcek, ask, abi.VcekReportSigner, options.Now)
	if err != nil {
		return nil, err
	}
	return &Endorsement{
		Vcek:           vcek,
		Extensions:     exts,
		SelfSignedOnly: selfSignedOnly,
	}, nil
}

// SnpChainFromCertTable validates the endorsement chain carried in an extended guest
// request certificate table.
func SnpChainFromCertTable(certs *abi.CertTable, options *Options) (*Endorsement, error) {
	vcek, err := certs.GetByGUIDString(abi.VcekGUID)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, "VCEK", "VCEK not found: %v", err)
	}
	ask, err := certs.GetByGUIDString(abi.AskGUID)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, "ASK", "ASK not found: %v", err)
	}
	ark, err := certs.GetByGUIDString(abi.ArkGUID)
	if err != nil {
		return nil, chainErrorf(ChainMalformed, "ARK", "ARK not found: %v", err)
	}
	return SnpChain(vcek, ask, ark, options)
}

// SnpReportSignature verifies the attestation report's signature based on the report's
// SignatureAlgo.
func SnpReportSignature(report []byte, vcek *x509.Certificate) error {
	// The algorithm check precedes full format validation so an unsupported
	// algorithm reports as such rather than as a zero-padding violation.
	if len(report) >= abi.ReportSize && abi.SignatureAlgo(report) != abi.SignEcdsaP384Sha384 {
		return verifyErrorf(UnsupportedAlgo, "unknown SignatureAlgo: %d", abi.SignatureAlgo(report))
	}
	if err := abi.ValidateReportFormat(report); err != nil {
		return fmt.Errorf("attestation report format error: %w", err)
	}
	der, err := abi.ReportToSignatureDER(report)
	if err != nil {
		return verifyErrorf(MalformedSignatureEncoding, "could not interpret report signature: %v", err)
	}
	if err := vcek.CheckSignature(x509.ECDSAWithSHA384, abi.SignedComponent(report), der); err != nil {
		return verifyErrorf(SignatureInvalid, "report signature verification error: %v", err)
	}
	return nil
}
