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

// Package report reads and rewrites attestation report files for the command
// line tools.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
)

// Attestation is a parsed attestation report plus the raw bytes it came from.
type Attestation struct {
	// Report is the parsed attestation report.
	Report *abi.Report
	// RawReport is the report in its ABI format.
	RawReport []byte
	// CertTable is the raw certificate table that followed the report, if any.
	CertTable []byte
}

// ParseAttestation parses an attestation file's contents: the report in AMD's
// specified ABI format, immediately followed by the certificate table bytes. The
// certificate table may be empty.
func ParseAttestation(b []byte) (*Attestation, error) {
	if len(b) < abi.ReportSize {
		return nil, fmt.Errorf("attestation contents too small (0x%x bytes). Want at least 0x%x bytes",
			len(b), abi.ReportSize)
	}
	rawReport := b[0:abi.ReportSize]
	certTable := b[abi.ReportSize:]

	report, err := abi.ParseReport(rawReport)
	if err != nil {
		return nil, fmt.Errorf("could not parse attestation report: %v", err)
	}
	if len(certTable) > 0 {
		certs := new(abi.CertTable)
		if err := certs.Unmarshal(certTable); err != nil {
			return nil, fmt.Errorf("could not parse certificate table: %v", err)
		}
	}
	return &Attestation{Report: report, RawReport: rawReport, CertTable: certTable}, nil
}

// ReadAttestation reads an attestation report from a file. Stdin is "-".
func ReadAttestation(infile string) (*Attestation, error) {
	var in io.Reader
	var f *os.File
	if infile == "-" {
		in = os.Stdin
	} else {
		file, err := os.Open(infile)
		if err != nil {
			return nil, fmt.Errorf("could not open %q: %v", infile, err)
		}
		f = file
		in = file
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	contents, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("could not read %q: %v", infile, err)
	}
	return ParseAttestation(contents)
}

func tcbBreakdown(tcb uint64) string {
	parts := kds.DecomposeTCBVersion(kds.TCBVersion(tcb))
	return fmt.Sprintf("%#x:{bl=%d,tee=%d,snp=%d,ucode=%d}",
		tcb, parts.BlSpl, parts.TeeSpl, parts.SnpSpl, parts.UcodeSpl)
}

func tcbText(at *Attestation) []byte {
	return []byte(fmt.Sprintf("current_tcb=%s\ncommitted_tcb=%s\nreported_tcb=%s\nlaunch_tcb=%s\n",
		tcbBreakdown(at.Report.CurrentTcb),
		tcbBreakdown(at.Report.CommittedTcb),
		tcbBreakdown(at.Report.ReportedTcb),
		tcbBreakdown(at.Report.LaunchTcb)))
}

// Transform returns the attestation in the outform marshalled format: "bin" for
// the ABI bytes, "json" for the parsed report as JSON, "tcb" for a text
// breakdown of the report's TCB values.
func Transform(at *Attestation, outform string) ([]byte, error) {
	switch outform {
	case "bin":
		return append(at.Report.Marshal(), at.CertTable...), nil
	case "json":
		return json.MarshalIndent(at.Report, "", "  ")
	case "tcb":
		return tcbText(at), nil
	default:
		return nil, fmt.Errorf("unknown outform: %q", outform)
	}
}
