// Package evm holds helpers for EVM artifacts produced by the compiler.
package evm

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NormalizeHex returns s as lowercase 0x-prefixed hex. The prefix is optional on input.
func NormalizeHex(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	} else {
		s = "0x" + s[2:]
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid hex %q: %w", truncate(s), err)
	}
	return hexutil.Encode(b), nil
}

// Selectors derives the method identifiers (signature to 0x selector) from a JSON ABI.
func Selectors(rawABI []byte) (map[string]string, error) {
	parsed, err := abi.JSON(bytes.NewReader(rawABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	ids := make(map[string]string, len(parsed.Methods))
	for _, m := range parsed.Methods {
		ids[m.Sig] = hexutil.Encode(m.ID)
	}
	return ids, nil
}

func truncate(s string) string {
	const max = 16
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
