// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"version mismatch", ErrVersionMismatch, KindPrecondition},
		{"wrapped version mismatch", fmt.Errorf("delete: %w", ErrVersionMismatch), KindPrecondition},
		{"resource not found", ErrResourceNotFound, KindPermanent},
		{"token invalidated", ErrTokenInvalidated, KindPermanent},
		{"remote unavailable", ErrRemoteUnavailable, KindTransient},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"unknown errors default to transient", errors.New("boom"), KindTransient},
		{"sync error carries its own kind", &SyncError{Kind: KindFatal, Op: "upload", Err: errors.New("disk full")}, KindFatal},
		{"wrapped sync error", fmt.Errorf("pass: %w", &SyncError{Kind: KindPrecondition, Op: "delete", Err: ErrVersionMismatch}), KindPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	err := &SyncError{Kind: KindTransient, Op: "enumerate", Err: fmt.Errorf("%w: dial tcp", ErrRemoteUnavailable)}
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Error("SyncError should unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("SyncError should format a message")
	}
}
