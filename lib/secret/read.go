// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// MaxFileSize bounds secret files. A 4096-bit RSA key in PEM is about
// 3.3 KiB.
const MaxFileSize = 64 << 10

// ReadFile loads the secret at path, or from stdin when path is "-",
// with surrounding whitespace trimmed. The heap copy read from disk is
// zeroed before returning.
func ReadFile(path string) (*Buffer, error) {
	var reader io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("secret: %w", err)
		}
		defer file.Close()
		reader = file
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxFileSize+1))
	defer Zero(data)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("secret: %s exceeds %d bytes", path, MaxFileSize)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	return NewFromBytes(trimmed)
}
