// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipecloud

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrTokenInvalid signals a change token this server cannot honor: malformed,
// or pointing before the pruned change-log horizon. Clients fall back to a
// full listing.
var ErrTokenInvalid = errors.New("change token invalid")

const tokenPrefix = "seq:"

// EncodeToken turns a change-log sequence number into the opaque token handed
// to clients.
func EncodeToken(seq int64) string {
	return tokenPrefix + strconv.FormatInt(seq, 10)
}

// DecodeToken parses a client token back into a sequence number. An empty
// token decodes to 0 (full listing).
func DecodeToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTokenInvalid, token)
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrTokenInvalid, token)
	}
	return seq, nil
}
