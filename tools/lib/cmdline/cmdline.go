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

// Package cmdline implements flag-parsing helpers for byte-valued flags shared
// by the command line tools.
package cmdline

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// InputType represents where byte-flag data comes from, a string argument or a file.
type InputType int

const (
	// Stringy indicates the input is coming from an argument string.
	// "auto" behavior prefers hexadecimal.
	Stringy InputType = iota
	// Filey indicates the input is coming from a file.
	// "auto" behavior prefers binary.
	Filey
)

// Byte flags are collected at registration and decoded after flag.Parse, since
// the decoding form is itself a flag.
var deferredFlags []func(inform string) error

func sizedBytes(flag, value string, byteSize int, decode func(string) ([]byte, error)) ([]byte, error) {
	bytes, err := decode(value)
	if err != nil {
		return nil, fmt.Errorf("%s=%s could not be decoded: %v", flag, value, err)
	}
	if len(bytes) > byteSize {
		return nil, fmt.Errorf("%s=%s (%v) is not representable in %d bytes", flag, value, bytes, byteSize)
	}
	sized := make([]byte, byteSize)
	copy(sized, bytes)
	return sized, nil
}

func parseBytesFromString(name string, byteSize int, in string, inform string) ([]byte, error) {
	if !utf8.ValidString(in) {
		return nil, fmt.Errorf("could not decode %s contents as a UTF-8 string. Try -inform=bin", name)
	}
	switch inform {
	case "hex":
		return sizedBytes(name, in, byteSize, hex.DecodeString)
	case "base64":
		return sizedBytes(name, in, byteSize, base64.StdEncoding.DecodeString)
	case "auto":
		// Try hex first. The base64 grammar intersects with the hex grammar, so
		// hex gets priority under "auto".
		if b, err := sizedBytes(name, in, byteSize, hex.DecodeString); err == nil {
			return b, nil
		}
		return sizedBytes(name, in, byteSize, base64.StdEncoding.DecodeString)
	default:
		return nil, fmt.Errorf("unknown -inform=%s", inform)
	}
}

func isBinForm(inform string, intype InputType) bool {
	if inform == "bin" {
		return true
	}
	return intype == Filey && inform == "auto"
}

// ParseBytes returns the denoted bytes from the reader `in` or an error.
func ParseBytes(name string, byteSize int, in io.Reader, inform string, intype InputType) ([]byte, error) {
	inbytes, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	// Empty input is treated as an empty array, not a zero-filled byteSize array.
	// This allows initial values of nil to be distinguishable from 0.
	if len(inbytes) == 0 {
		return nil, nil
	}
	if isBinForm(inform, intype) {
		if len(inbytes) != byteSize {
			return nil, fmt.Errorf("binary input type had %d bytes. Expect exactly %d bytes",
				len(inbytes), byteSize)
		}
		return inbytes, nil
	}
	return parseBytesFromString(name, byteSize, strings.TrimSpace(string(inbytes)), inform)
}

// Bytes registers a byte-array flag of a fixed width whose string value in is
// decoded when Parse runs. The returned slice stays nil when the flag is unset,
// so callers can distinguish "unset" from all-zero.
func Bytes(name string, byteSize int, in *string) *[]byte {
	var empty []byte
	result := &empty
	deferredFlags = append(deferredFlags, func(inform string) error {
		if *in == "" {
			return nil
		}
		bytes, err := ParseBytes(name, byteSize, strings.NewReader(*in), inform, Stringy)
		if err != nil {
			return err
		}
		*result = bytes
		return nil
	})
	return result
}

// Parse decodes all registered byte flags with the given input format. Must run
// after flag.Parse. Exits with a usage message on any malformed flag.
func Parse(inform string) {
	for _, thunk := range deferredFlags {
		if err := thunk(inform); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			flag.Usage()
			os.Exit(1)
		}
	}
}
