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

// Package testing defines fakes for the AMD-SP's VCEK certificate chain and the
// AMD Key Distribution Service.
package testing

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	// Insecure randomness for faster testing.
	"math/rand"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// KDS specification:
// https://www.amd.com/system/files/TechDocs/57230.pdf

const (
	arkExpirationYears  = 25
	askExpirationYears  = 25
	vcekExpirationYears = 7

	// DefaultProductName is the fake certificates' product name unless overridden.
	// It must parse with kds.ProductLineOfProductName.
	DefaultProductName = "Genoa-B0"
)

var insecureRandomness = rand.New(rand.NewSource(0xc0de))

// AmdSigner encapsulates a key and certificate chain following the format of AMD-SP's VCEK for
// signing attestation reports.
type AmdSigner struct {
	Ark  *x509.Certificate
	Ask  *x509.Certificate
	Vcek *x509.Certificate
	Keys *AmdKeys
	// This identity does not match AMD's notion of an HWID. It is purely to combine expectations of
	// report data -> KDS URL construction for the fake KDS implementation.
	HWID        [abi.ChipIDSize]byte
	TCB         kds.TCBVersion
	ProductName string
}

// AmdKeys encapsulates the key chain of ARK through ASK down to VCEK.
type AmdKeys struct {
	Ark  *rsa.PrivateKey
	Ask  *rsa.PrivateKey
	Vcek *ecdsa.PrivateKey
}

var (
	defaultKeysOnce sync.Once
	defaultKeys     *AmdKeys
	defaultKeysErr  error
)

// DefaultAmdKeys returns a singleton key set for ARK, ASK, and VCEK with the expected key types.
// The keys are generated from a fixed seed, so they are stable within a test binary and useless
// for anything else.
func DefaultAmdKeys() (*AmdKeys, error) {
	defaultKeysOnce.Do(func() {
		// 2048 bit RSA keeps the chain generation fast. AMD's production roots are
		// 4096 bit, but validateArkX509 does not pin a key size.
		ark, err := rsa.GenerateKey(insecureRandomness, 2048)
		if err != nil {
			defaultKeysErr = err
			return
		}
		ask, err := rsa.GenerateKey(insecureRandomness, 2048)
		if err != nil {
			defaultKeysErr = err
			return
		}
		vcek, err := ecdsa.GenerateKey(elliptic.P384(), insecureRandomness)
		if err != nil {
			defaultKeysErr = err
			return
		}
		defaultKeys = &AmdKeys{Ark: ark, Ask: ask, Vcek: vcek}
	})
	return defaultKeys, defaultKeysErr
}

// Sign takes a chunk of bytes, signs it with the VCEK private key, and returns the R, S pair for
// the signature.
func (s *AmdSigner) Sign(toSign []byte) (*big.Int, *big.Int, error) {
	info, err := abi.ReportSignerInfo(toSign)
	if err != nil {
		return nil, nil, err
	}
	si, err := abi.ParseSignerInfo(info)
	if err != nil {
		return nil, nil, err
	}
	if si.SigningKey != abi.VcekReportSigner {
		return nil, nil, fmt.Errorf("fake signer only signs as VCEK, report wants %v", si.SigningKey)
	}
	h := crypto.SHA384.New()
	h.Write(toSign)
	R, S, err := ecdsa.Sign(insecureRandomness, s.Keys.Vcek, h.Sum(nil))
	if err != nil {
		return nil, nil, err
	}
	return R, S, nil
}

// SignReport signs the report's signed component in place.
func (s *AmdSigner) SignReport(report []byte) error {
	r, sig, err := s.Sign(abi.SignedComponent(report))
	if err != nil {
		return err
	}
	return abi.SetSignature(r, sig, report)
}

// CertOverride encapsulates certificate aspects that can be overridden when creating a certificate
// chain.
type CertOverride struct {
	// If 0, interpreted as Version, otherwise the cert version number.
	Version            int
	SerialNumber       *big.Int
	Issuer             *pkix.Name
	Subject            *pkix.Name
	SignatureAlgorithm x509.SignatureAlgorithm
	PublicKeyAlgorithm x509.PublicKeyAlgorithm
	KeyUsage           x509.KeyUsage
	// If nil, interpreted as default list.
	Extensions []pkix.Extension
}

// AmdSignerBuilder represents toggleable configurations of the VCEK certificate chain.
type AmdSignerBuilder struct {
	// Keys contains the private keys that will get a certificate chain structure.
	Keys             *AmdKeys
	ProductName      string
	ArkCreationTime  time.Time
	AskCreationTime  time.Time
	VcekCreationTime time.Time
	ArkCustom        CertOverride
	AskCustom        CertOverride
	VcekCustom       CertOverride
	HWID             [abi.ChipIDSize]byte
	TCB              kds.TCBVersion
	// Intermediate built certificates
	Ark  *x509.Certificate
	Ask  *x509.Certificate
	Vcek *x509.Certificate
}

func (b *AmdSignerBuilder) productName() string {
	if b.ProductName == "" {
		return DefaultProductName
	}
	return b.ProductName
}

func (b *AmdSignerBuilder) productLine() string {
	return kds.ProductLineOfProductName(b.productName())
}

func amdPkixName(commonName string, serialNumber string) pkix.Name {
	return pkix.Name{
		Organization:       []string{"Advanced Micro Devices"},
		Country:            []string{"US"},
		OrganizationalUnit: []string{"Engineering"},
		Locality:           []string{"Santa Clara"},
		Province:           []string{"CA"},
		SerialNumber:       serialNumber,
		CommonName:         commonName,
	}
}

func arkName(productLine, serialNumber string) pkix.Name {
	return amdPkixName(fmt.Sprintf("ARK-%s", productLine), serialNumber)
}

func askName(productLine, serialNumber string) pkix.Name {
	return amdPkixName(fmt.Sprintf("SEV-%s", productLine), serialNumber)
}

func (b *AmdSignerBuilder) unsignedRoot(issuer pkix.Name, self bool, subjectSerial *big.Int, creationTime time.Time, expirationYears int) *x509.Certificate {
	sn := fmt.Sprintf("%x", subjectSerial)
	subject := askName(b.productLine(), sn)
	if self {
		subject = issuer
	}
	cert := &x509.Certificate{}
	cert.NotBefore = creationTime
	cert.NotAfter = creationTime.Add(time.Duration(365*24*expirationYears) * time.Hour)
	cert.SignatureAlgorithm = x509.SHA384WithRSAPSS
	cert.PublicKeyAlgorithm = x509.RSA
	cert.Version = 3
	cert.SerialNumber = subjectSerial
	cert.Issuer = issuer
	cert.Subject = subject
	cert.IsCA = true
	cert.BasicConstraintsValid = true
	return cert
}

func (o CertOverride) override(cert *x509.Certificate) *x509.Certificate {
	if o.SignatureAlgorithm != x509.UnknownSignatureAlgorithm {
		cert.SignatureAlgorithm = o.SignatureAlgorithm
	}
	if o.PublicKeyAlgorithm != x509.UnknownPublicKeyAlgorithm {
		cert.PublicKeyAlgorithm = o.PublicKeyAlgorithm
	}
	if o.Version != 0 {
		cert.Version = o.Version
	}
	if o.Issuer != nil {
		cert.Issuer = *o.Issuer
	}
	if o.Subject != nil {
		cert.Subject = *o.Subject
	}
	if o.SerialNumber != nil {
		cert.SerialNumber = o.SerialNumber
		cert.Subject.SerialNumber = fmt.Sprintf("%x", o.SerialNumber)
	}
	if o.KeyUsage != x509.KeyUsage(0) {
		cert.KeyUsage = o.KeyUsage
	}
	if o.Extensions != nil {
		cert.ExtraExtensions = o.Extensions
	}
	return cert
}

func (b *AmdSignerBuilder) certifyArk() error {
	sn := big.NewInt(0xc0dec0de)
	name := arkName(b.productLine(), fmt.Sprintf("%x", sn))
	cert := b.unsignedRoot(name, true, sn, b.ArkCreationTime, arkExpirationYears)
	cert.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign

	b.ArkCustom.override(cert)

	caBytes, err := x509.CreateCertificate(insecureRandomness, cert, cert, b.Keys.Ark.Public(), b.Keys.Ark)
	if err != nil {
		return fmt.Errorf("could not create a certificate from %v: %v", cert, err)
	}
	signed, err := x509.ParseCertificate(caBytes)
	b.Ark = signed
	return err
}

// must be called after certifyArk
func (b *AmdSignerBuilder) certifyAsk() error {
	sn := big.NewInt(0xc0dec0de)
	cert := b.unsignedRoot(b.Ark.Subject, false, sn, b.AskCreationTime, askExpirationYears)
	cert.KeyUsage = x509.KeyUsageCertSign

	b.AskCustom.override(cert)

	caBytes, err := x509.CreateCertificate(insecureRandomness, cert, b.Ark, b.Keys.Ask.Public(), b.Keys.Ark)
	if err != nil {
		return fmt.Errorf("could not create a certificate from %v: %v", cert, err)
	}
	askcert, err := x509.ParseCertificate(caBytes)
	if err != nil {
		return err
	}
	b.Ask = askcert
	return err
}

// CustomExtensions returns an array of extensions following the KDS specification
// for the given values.
func CustomExtensions(tcb kds.TCBParts, hwid []byte, cspid, productName string) []pkix.Extension {
	var productNameAsn1 []byte
	asn1Zero, _ := asn1.Marshal(0)
	if hwid != nil {
		productNameAsn1, _ = asn1.MarshalWithParams(productName, "ia5")
	} else {
		parts := strings.SplitN(productName, "-", 2)
		// VLEK doesn't have a -stepping component to its productName.
		productNameAsn1, _ = asn1.MarshalWithParams(parts[0], "ia5")
	}
	blSpl, _ := asn1.Marshal(int(tcb.BlSpl))
	teeSpl, _ := asn1.Marshal(int(tcb.TeeSpl))
	snpSpl, _ := asn1.Marshal(int(tcb.SnpSpl))
	spl4, _ := asn1.Marshal(int(tcb.Spl4))
	spl5, _ := asn1.Marshal(int(tcb.Spl5))
	spl6, _ := asn1.Marshal(int(tcb.Spl6))
	spl7, _ := asn1.Marshal(int(tcb.Spl7))
	ucodeSpl, _ := asn1.Marshal(int(tcb.UcodeSpl))
	exts := []pkix.Extension{
		{Id: kds.OidStructVersion, Value: asn1Zero},
		{Id: kds.OidProductName1, Value: productNameAsn1},
		{Id: kds.OidBlSpl, Value: blSpl},
		{Id: kds.OidTeeSpl, Value: teeSpl},
		{Id: kds.OidSnpSpl, Value: snpSpl},
		{Id: kds.OidSpl4, Value: spl4},
		{Id: kds.OidSpl5, Value: spl5},
		{Id: kds.OidSpl6, Value: spl6},
		{Id: kds.OidSpl7, Value: spl7},
		{Id: kds.OidUcodeSpl, Value: ucodeSpl},
	}
	if hwid != nil {
		asn1Hwid, _ := asn1.Marshal(hwid[:])
		exts = append(exts, pkix.Extension{Id: kds.OidHwid, Value: asn1Hwid})
	} else {
		if cspid == "" {
			cspid = "placeholder"
		}
		asn1cspid, _ := asn1.MarshalWithParams(cspid, "ia5")
		exts = append(exts, pkix.Extension{Id: kds.OidCspID, Value: asn1cspid})
	}
	return exts
}

func (b *AmdSignerBuilder) certifyVcek() error {
	subject := amdPkixName("SEV-VCEK", "0")
	cert := &x509.Certificate{
		Version:            3,
		SignatureAlgorithm: x509.SHA384WithRSAPSS,
		PublicKeyAlgorithm: x509.ECDSA,
		Issuer:             amdPkixName(fmt.Sprintf("SEV-%s", b.productLine()), b.Ask.Subject.SerialNumber),
		Subject:            subject,
		SerialNumber:       big.NewInt(0),
		NotBefore:          time.Time{},
		NotAfter:           b.VcekCreationTime.Add(vcekExpirationYears * 365 * 24 * time.Hour),
		ExtraExtensions:    CustomExtensions(kds.DecomposeTCBVersion(b.TCB), b.HWID[:], "", b.productName()),
	}
	b.VcekCustom.override(cert)

	caBytes, err := x509.CreateCertificate(insecureRandomness, cert, b.Ask, b.Keys.Vcek.Public(), b.Keys.Ask)
	if err != nil {
		return fmt.Errorf("could not create a certificate from %v: %v", cert, err)
	}
	signed, err := x509.ParseCertificate(caBytes)
	b.Vcek = signed
	return err
}

// TestOnlyCertChain creates a test-only certificate chain from the keys and configurables in b.
func (b *AmdSignerBuilder) TestOnlyCertChain() (*AmdSigner, error) {
	if b.Keys == nil {
		keys, err := DefaultAmdKeys()
		if err != nil {
			return nil, fmt.Errorf("key generation error: %v", err)
		}
		b.Keys = keys
	}
	if err := b.certifyArk(); err != nil {
		return nil, fmt.Errorf("ark creation error: %v", err)
	}
	if err := b.certifyAsk(); err != nil {
		return nil, fmt.Errorf("ask creation error: %v", err)
	}
	if err := b.certifyVcek(); err != nil {
		return nil, fmt.Errorf("vcek creation error: %v", err)
	}
	s := &AmdSigner{
		Ark:         b.Ark,
		Ask:         b.Ask,
		Vcek:        b.Vcek,
		Keys:        b.Keys,
		TCB:         b.TCB,
		ProductName: b.productName(),
	}
	copy(s.HWID[:], b.HWID[:])
	return s, nil
}

// DefaultTestOnlyCertChain creates a test-only certificate chain for a fake attestation signer.
func DefaultTestOnlyCertChain(productName string, creationTime time.Time) (*AmdSigner, error) {
	b := &AmdSignerBuilder{
		ProductName:      productName,
		ArkCreationTime:  creationTime,
		AskCreationTime:  creationTime,
		VcekCreationTime: creationTime,
	}
	return b.TestOnlyCertChain()
}

// CertTableBytes outputs the signer's certificates in the SNP extended guest request's GUID
// table ABI format.
func (s *AmdSigner) CertTableBytes() ([]byte, error) {
	table := &abi.CertTable{
		Entries: []abi.CertTableEntry{
			{GUID: uuid.MustParse(abi.ArkGUID), RawCert: s.Ark.Raw},
			{GUID: uuid.MustParse(abi.AskGUID), RawCert: s.Ask.Raw},
			{GUID: uuid.MustParse(abi.VcekGUID), RawCert: s.Vcek.Raw},
		},
	}
	return table.Marshal(), nil
}

// CertChainPEM returns the ASK and ARK certificates in the PEM format served by the KDS
// cert_chain endpoint.
func (s *AmdSigner) CertChainPEM() ([]byte, error) {
	b := &bytes.Buffer{}
	if err := multierr.Combine(
		pem.Encode(b, &pem.Block{Type: "CERTIFICATE", Bytes: s.Ask.Raw}),
		pem.Encode(b, &pem.Block{Type: "CERTIFICATE", Bytes: s.Ark.Raw}),
	); err != nil {
		return nil, fmt.Errorf("could not encode root certificates: %v", err)
	}
	return b.Bytes(), nil
}
