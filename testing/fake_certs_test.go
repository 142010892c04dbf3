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
	"crypto/x509"
	"testing"
	"time"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	"github.com/google/uuid"
)

func TestCertificatesParse(t *testing.T) {
	signer, err := DefaultTestOnlyCertChain(DefaultProductName, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	certBytes, err := signer.CertTableBytes()
	if err != nil {
		t.Fatal(err)
	}
	entries, err := abi.ParseSnpCertTableHeader(certBytes)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("ParseSnpCertTableHeader(_) returned %d entries, want 3", len(entries))
	}
	var hasVcek, hasAsk, hasArk bool
	for _, entry := range entries {
		switch entry.GUID {
		case uuid.MustParse(abi.VcekGUID):
			hasVcek = true
		case uuid.MustParse(abi.AskGUID):
			hasAsk = true
		case uuid.MustParse(abi.ArkGUID):
			hasArk = true
		}
		der := certBytes[entry.Offset : entry.Offset+entry.Length]
		if _, err := x509.ParseCertificate(der); err != nil {
			t.Errorf("could not parse certificate of %v: %v", entry.GUID, err)
		}
	}
	if !hasVcek {
		t.Errorf("fake certs missing VCEK")
	}
	if !hasAsk {
		t.Errorf("fake certs missing ASK")
	}
	if !hasArk {
		t.Errorf("fake certs missing ARK")
	}
	if _, err := kds.VcekCertificateExtensions(signer.Vcek); err != nil {
		t.Errorf("could not parse generated VCEK extensions: %v", err)
	}
}

func TestCertificatesChain(t *testing.T) {
	signer, err := DefaultTestOnlyCertChain(DefaultProductName, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Ark.CheckSignatureFrom(signer.Ark); err != nil {
		t.Errorf("generated ARK is not self-signed: %v", err)
	}
	if err := signer.Ask.CheckSignatureFrom(signer.Ark); err != nil {
		t.Errorf("generated ASK is not signed by the ARK: %v", err)
	}
	if err := signer.Vcek.CheckSignatureFrom(signer.Ask); err != nil {
		t.Errorf("generated VCEK is not signed by the ASK: %v", err)
	}
}

func TestCertChainPEM(t *testing.T) {
	signer, err := DefaultTestOnlyCertChain(DefaultProductName, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pemBytes, err := signer.CertChainPEM()
	if err != nil {
		t.Fatal(err)
	}
	askDER, arkDER, err := kds.ParseProductCertChain(pemBytes)
	if err != nil {
		t.Fatalf("could not parse generated cert_chain: %v", err)
	}
	ask, err := x509.ParseCertificate(askDER)
	if err != nil {
		t.Fatalf("could not parse ASK from cert_chain: %v", err)
	}
	if !ask.Equal(signer.Ask) {
		t.Errorf("cert_chain ASK differs from the signer's ASK")
	}
	ark, err := x509.ParseCertificate(arkDER)
	if err != nil {
		t.Fatalf("could not parse ARK from cert_chain: %v", err)
	}
	if !ark.Equal(signer.Ark) {
		t.Errorf("cert_chain ARK differs from the signer's ARK")
	}
}

func TestSignReport(t *testing.T) {
	signer, err := DefaultTestOnlyCertChain(DefaultProductName, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	report := &abi.Report{
		Version:       2,
		Policy:        abi.SnpPolicyToBytes(abi.SnpPolicy{}),
		SignatureAlgo: abi.SignEcdsaP384Sha384,
	}
	raw := report.Marshal()
	if err := signer.SignReport(raw); err != nil {
		t.Fatalf("could not sign report: %v", err)
	}
	der, err := abi.ReportToSignatureDER(raw)
	if err != nil {
		t.Fatalf("could not extract report signature: %v", err)
	}
	if err := signer.Vcek.CheckSignature(x509.ECDSAWithSHA384, abi.SignedComponent(raw), der); err != nil {
		t.Errorf("report signature does not verify under the VCEK: %v", err)
	}
}
