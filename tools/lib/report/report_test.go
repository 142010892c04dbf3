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

package report

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	test "github.com/blyssprivacy/sev-attest-tool/testing"
)

func testAttestationBytes(t testing.TB) []byte {
	t.Helper()
	signer, err := test.DefaultTestOnlyCertChain(test.DefaultProductName, time.Now())
	if err != nil {
		t.Fatalf("could not build fake certificates: %v", err)
	}
	tcb, err := kds.ComposeTCBParts(kds.TCBParts{BlSpl: 2, SnpSpl: 5, UcodeSpl: 68})
	if err != nil {
		t.Fatal(err)
	}
	r := &abi.Report{
		Version:       2,
		Policy:        abi.SnpPolicyToBytes(abi.SnpPolicy{}),
		SignatureAlgo: abi.SignEcdsaP384Sha384,
		CurrentTcb:    uint64(tcb),
		CommittedTcb:  uint64(tcb),
		ReportedTcb:   uint64(tcb),
		LaunchTcb:     uint64(tcb),
	}
	table, err := signer.CertTableBytes()
	if err != nil {
		t.Fatalf("could not marshal cert table: %v", err)
	}
	return append(r.Marshal(), table...)
}

func TestParseAttestation(t *testing.T) {
	contents := testAttestationBytes(t)
	at, err := ParseAttestation(contents)
	if err != nil {
		t.Fatalf("ParseAttestation(_) = _, %v. Expect nil", err)
	}
	if at.Report == nil || len(at.CertTable) == 0 {
		t.Fatalf("ParseAttestation(_) returned an incomplete attestation: %+v", at)
	}

	// A bare report with no certificate table is also accepted.
	if _, err := ParseAttestation(contents[:abi.ReportSize]); err != nil {
		t.Errorf("ParseAttestation on a bare report = %v. Expect nil", err)
	}
	if _, err := ParseAttestation(contents[:12]); err == nil {
		t.Errorf("ParseAttestation accepted a truncated report")
	}
}

func TestReadAttestation(t *testing.T) {
	contents := testAttestationBytes(t)
	p := path.Join(t.TempDir(), "input")
	if err := os.WriteFile(p, contents, 0644); err != nil {
		t.Fatalf("could not write test file %q: %v", p, err)
	}
	if _, err := ReadAttestation(p); err != nil {
		t.Fatalf("ReadAttestation(%q) = _, %v. Expect nil", p, err)
	}
	if _, err := ReadAttestation(path.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("ReadAttestation on a missing file succeeded")
	}
}

func TestTransform(t *testing.T) {
	contents := testAttestationBytes(t)
	at, err := ParseAttestation(contents)
	if err != nil {
		t.Fatal(err)
	}
	t.Run("bin", func(t *testing.T) {
		binout, err := Transform(at, "bin")
		if err != nil {
			t.Fatalf("Transform(_, \"bin\") = _, %v. Expect nil.", err)
		}
		if !bytes.Equal(binout, contents) {
			t.Fatalf("Transform(_, \"bin\") did not round-trip the attestation bytes")
		}
	})
	t.Run("json", func(t *testing.T) {
		jsonout, err := Transform(at, "json")
		if err != nil {
			t.Fatalf("Transform(_, \"json\") = _, %v. Expect nil.", err)
		}
		if !strings.Contains(string(jsonout), "\"Version\": 2") {
			t.Errorf("Transform(_, \"json\") = %s. Expected the report version", jsonout)
		}
	})
	t.Run("tcb", func(t *testing.T) {
		tcbout, err := Transform(at, "tcb")
		if err != nil {
			t.Fatalf("Transform(_, \"tcb\") = _, %v. Expect nil.", err)
		}
		want := "current_tcb=0x4405000000000002:{bl=2,tee=0,snp=5,ucode=68}"
		if !strings.Contains(string(tcbout), want) {
			t.Errorf("Transform(_, \"tcb\") = %s. Expected %q", tcbout, want)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		if _, err := Transform(at, "wonk"); err == nil {
			t.Errorf("Transform(_, \"wonk\") succeeded unexpectedly")
		}
	})
}
