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

// Package attest sequences attestation report verification: decode, endorsement
// chain validation, report signature verification, and policy checking, producing
// a single verdict.
package attest

import (
	"fmt"

	"github.com/blyssprivacy/sev-attest-tool/abi"
	"github.com/blyssprivacy/sev-attest-tool/kds"
	"github.com/blyssprivacy/sev-attest-tool/validate"
	"github.com/blyssprivacy/sev-attest-tool/verify"
	"github.com/blyssprivacy/sev-attest-tool/verify/trust"
	"github.com/google/logger"
)

// Options configures both the trust establishment and the policy evaluation of a
// verification call.
type Options struct {
	// Verify configures endorsement chain validation and certificate fetching. If nil,
	// verify.DefaultOptions() is used.
	Verify *verify.Options
	// Validate holds the policy expectations the report is checked against. If nil, no
	// policy expectations are enforced beyond report well-formedness.
	Validate *validate.Options
}

// Verdict is the outcome of verifying one attestation report. Exactly one of the
// following holds: Valid is true; Err is non-nil (provenance could not be
// established); or Violations is non-empty (provenance established, policy failed).
type Verdict struct {
	// Valid is true when the report's provenance was established and every policy
	// check passed.
	Valid bool
	// Err is the decode, chain, or signature error that stopped verification before
	// policy evaluation. When Err is non-nil, Violations is always empty: policy
	// contents are never examined before provenance is established.
	Err error
	// Violations lists every failed policy check, in a deterministic order.
	Violations []validate.Violation
	// SelfSignedRootOnly is true when the endorsement chain was accepted on the
	// strength of its self-signature alone, without a pinned or caller-provided root.
	SelfSignedRootOnly bool
}

func invalid(err error) *Verdict {
	return &Verdict{Err: err}
}

// fetchEndorsement assembles the ARK, ASK, and VCEK for the report, preferring the
// supplied certificate table and falling back to the AMD KDS for anything missing.
func fetchEndorsement(report *abi.Report, certs *abi.CertTable, opts *verify.Options) (*verify.Endorsement, error) {
	vcekDER, vcekErr := certs.GetByGUIDString(abi.VcekGUID)
	askDER, askErr := certs.GetByGUIDString(abi.AskGUID)
	arkDER, arkErr := certs.GetByGUIDString(abi.ArkGUID)
	if vcekErr == nil && askErr == nil && arkErr == nil {
		return verify.SnpChain(vcekDER, askDER, arkDER, opts)
	}
	if opts.DisableCertFetching {
		return nil, fmt.Errorf("certificate table is incomplete and certificate fetching is disabled")
	}
	getter := opts.Getter
	if getter == nil {
		getter = trust.DefaultHTTPSGetter()
	}
	productLine := opts.ProductLine
	if productLine == "" {
		productLine = kds.ProductLineOfReport(report)
	}
	if askErr != nil || arkErr != nil {
		root, err := trust.GetProductChain(productLine, abi.VcekReportSigner, getter)
		if err != nil {
			return nil, fmt.Errorf("could not fetch product certificate chain: %w", err)
		}
		askDER = root.AskX509.Raw
		arkDER = root.ArkX509.Raw
	}
	if vcekErr != nil {
		url := kds.CertFetchKey(report, productLine).URL()
		logger.V(1).Infof("fetching VCEK certificate from %s", url)
		der, err := getter.Get(url)
		if err != nil {
			return nil, &trust.AttestationRecreationErr{
				Msg: fmt.Sprintf("could not fetch VCEK certificate from %s: %v", url, err),
			}
		}
		vcekDER = der
	}
	return verify.SnpChain(vcekDER, askDER, arkDER, opts)
}

// Verify checks an attestation report end to end: parses the report and certificate
// table, validates the endorsement chain, verifies the report signature under the
// endorsement key, and evaluates the policy expectations. Decode, chain, and
// signature failures short-circuit; policy checks then run to completion so the
// verdict lists every violation. The error return is reserved for malformed options.
func Verify(reportBytes, certTableBytes []byte, options *Options) (*Verdict, error) {
	if options == nil {
		options = &Options{}
	}
	vopts := options.Verify
	if vopts == nil {
		vopts = verify.DefaultOptions()
	}

	report, err := abi.ParseReport(reportBytes)
	if err != nil {
		return invalid(err), nil
	}
	certs := new(abi.CertTable)
	if len(certTableBytes) > 0 {
		if err := certs.Unmarshal(certTableBytes); err != nil {
			return invalid(err), nil
		}
	}

	endorsement, err := fetchEndorsement(report, certs, vopts)
	if err != nil {
		return invalid(err), nil
	}
	if err := verify.SnpReportSignature(reportBytes, endorsement.Vcek); err != nil {
		return invalid(err), nil
	}

	violations, err := validate.SnpReport(report, endorsement.Extensions, options.Validate)
	if err != nil {
		return nil, err
	}
	return &Verdict{
		Valid:              len(violations) == 0,
		Violations:         violations,
		SelfSignedRootOnly: endorsement.SelfSignedOnly,
	}, nil
}
