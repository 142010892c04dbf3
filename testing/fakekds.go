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
	"bytes"
	"fmt"

	"github.com/blyssprivacy/sev-attest-tool/kds"
)

// FakeKDS implements the trust.HTTPSGetter interface to provide certificates like AMD KDS, but
// from a fake signer's chain.
type FakeKDS struct {
	Signer *AmdSigner
}

// FakeKDSFromSigner returns a FakeKDS that produces the fake signer's certificates following the
// AMD KDS REST API expectations.
func FakeKDSFromSigner(signer *AmdSigner) *FakeKDS {
	return &FakeKDS{Signer: signer}
}

// Get translates a KDS url into the expected certificate as represented in the fake's chain.
func (f *FakeKDS) Get(url string) ([]byte, error) {
	// If a root cert request, return the signer's CA bundle.
	productLine, key, err := kds.ParseProductCertChainURL(url)
	if err == nil {
		if key != kds.VcekCertFunction {
			return nil, fmt.Errorf("fake KDS only serves the vcek endpoint, got %q", url)
		}
		if want := kds.ProductLineOfProductName(f.Signer.ProductName); productLine != want {
			return nil, fmt.Errorf("no CA bundle for product %q, fake signer is %q", productLine, want)
		}
		return f.Signer.CertChainPEM()
	}
	vcek, err := kds.ParseVCEKCertURL(url)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(vcek.HWID, f.Signer.HWID[:]) {
		return nil, fmt.Errorf("no certificate found at %q (unknown HWID %v)", url, vcek.HWID)
	}
	if vcek.TCB != uint64(f.Signer.TCB) {
		return nil, fmt.Errorf("no certificate found at %q (host present, bad TCB %v)", url, vcek.TCB)
	}
	return f.Signer.Vcek.Raw, nil
}
