// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsOnInterval(t *testing.T) {
	fx := newEngineFixture(t)
	fx.enable(t)
	fx.addRecipe(t, "r1", "Soup")

	scheduler := NewScheduler(fx.orch, 10*time.Millisecond, testLogger())
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		sr := fx.mapping(t, "r1")
		return sr != nil && sr.Status == StatusInSync
	}, 5*time.Second, 10*time.Millisecond, "scheduler should sync the recipe without an explicit trigger")
}

func TestScheduler_KickRunsAheadOfTimer(t *testing.T) {
	fx := newEngineFixture(t)
	fx.enable(t)
	fx.addRecipe(t, "r1", "Soup")

	// An hour-long interval: only a kick can make this pass happen in time.
	scheduler := NewScheduler(fx.orch, time.Hour, testLogger())
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	scheduler.Kick()
	require.Eventually(t, func() bool {
		return fx.mapping(t, "r1") != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopWaitsForLoopExit(t *testing.T) {
	fx := newEngineFixture(t)
	fx.enable(t)

	scheduler := NewScheduler(fx.orch, 5*time.Millisecond, testLogger())
	scheduler.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	scheduler.Stop()

	// Stop on a stopped scheduler is a no-op, and Start works again.
	scheduler.Stop()
	scheduler.Start(context.Background())
	scheduler.Stop()
}

func TestScheduler_DisabledSyncKeepsTicking(t *testing.T) {
	fx := newEngineFixture(t) // sync never enabled

	scheduler := NewScheduler(fx.orch, 5*time.Millisecond, testLogger())
	scheduler.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	scheduler.Stop()

	// ErrSyncDisabled passes must not back off or wedge the loop; enabling
	// later picks up normally.
	fx.enable(t)
	fx.addRecipe(t, "r1", "Soup")
	scheduler.Start(context.Background())
	defer scheduler.Stop()
	require.Eventually(t, func() bool {
		return fx.mapping(t, "r1") != nil
	}, 5*time.Second, 10*time.Millisecond)
}
