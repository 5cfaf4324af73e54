// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipecloud

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const txRetryAttempts = 3

// withRetry runs fn in a transaction, retrying a few times on transient
// Postgres concurrency failures. Storage errors (not-found, version mismatch)
// pass through untouched.
func (s *Service) withRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("retrying transaction after concurrency failure",
			"attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt+1)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
