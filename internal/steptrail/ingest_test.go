package steptrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIngestClickInputThenDuplicateClick(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	sender := SenderContext{TabID: 7}
	t0 := clock.Now()

	_, err := engine.StartCapture(ctx, 7)
	require.NoError(t, err)

	first, err := engine.Ingest(ctx, clickAt(t0, "submit"), sender)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	require.Equal(t, 1, first.StepIndex)

	second, err := engine.Ingest(ctx, inputAt(t0.Add(300*time.Millisecond), "email", "a@b.test"), sender)
	require.NoError(t, err)
	require.True(t, second.Accepted)
	require.Equal(t, 2, second.StepIndex)
	require.Equal(t, first.SessionID, second.SessionID)

	third, err := engine.Ingest(ctx, clickAt(t0.Add(500*time.Millisecond), "submit"), sender)
	require.NoError(t, err)
	require.False(t, third.Accepted)
	require.True(t, third.Duplicate)
	require.Equal(t, first.StepID, third.StepID)

	status, err := engine.Status(ctx, 7)
	require.NoError(t, err)
	require.True(t, status.IsCapturing)
	require.Equal(t, first.SessionID, status.SessionID)
	require.Equal(t, 2, status.StepsCount)
	require.Equal(t, SyncLocal, status.SyncStatus)
}

func TestIngestDedupWindowBoundary(t *testing.T) {
	cases := []struct {
		name     string
		gap      time.Duration
		wantKept int
	}{
		{name: "same instant", gap: 0, wantKept: 1},
		{name: "just inside window", gap: 799 * time.Millisecond, wantKept: 1},
		{name: "exactly at window", gap: 800 * time.Millisecond, wantKept: 2},
		{name: "well outside window", gap: 3 * time.Second, wantKept: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			engine := newTestEngine(t, clock, EngineOptions{})
			ctx := context.Background()
			t0 := clock.Now()
			_, err := engine.StartCapture(ctx, 1)
			require.NoError(t, err)

			_, err = engine.Ingest(ctx, clickAt(t0, "go"), SenderContext{TabID: 1})
			require.NoError(t, err)
			_, err = engine.Ingest(ctx, clickAt(t0.Add(tc.gap), "go"), SenderContext{TabID: 1})
			require.NoError(t, err)

			state := mustSnapshot(t, engine)
			require.Len(t, state.Steps, tc.wantKept)
		})
	}
}

func TestIngestDifferentModifiersAreNotDuplicates(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)

	plain := clickAt(clock.Now(), "link")
	withShift := clickAt(clock.Now().Add(10*time.Millisecond), "link")
	withShift.Modifiers = Modifiers{Shift: true}

	_, err = engine.Ingest(ctx, plain, SenderContext{TabID: 1})
	require.NoError(t, err)
	result, err := engine.Ingest(ctx, withShift, SenderContext{TabID: 1})
	require.NoError(t, err)
	require.True(t, result.Accepted)
}

func TestIngestIgnoredWhenNotCapturing(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})

	result, err := engine.Ingest(context.Background(), clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, "not-capturing", result.Reason)
	require.Empty(t, mustSnapshot(t, engine).Sessions)
}

func TestIngestAttachesThumbnail(t *testing.T) {
	clock := newFakeClock()
	thumbs := &staticThumbnails{dataURL: "data:image/jpeg;base64,AAAA"}
	engine := newTestEngine(t, clock, EngineOptions{Thumbnails: thumbs})
	ctx := context.Background()
	_, err := engine.StartCapture(ctx, 2)
	require.NoError(t, err)

	result, err := engine.Ingest(ctx, clickAt(clock.Now(), "buy"), SenderContext{TabID: 2})
	require.NoError(t, err)
	require.True(t, result.Thumbnail)

	detail, err := engine.SessionDetail(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, thumbs.dataURL, detail.Steps[0].ThumbnailDataURL)
}

func TestIngestSaveFailureLeavesStateUnchanged(t *testing.T) {
	clock := newFakeClock()
	backend := &flakyBackend{inner: NewInMemoryStateBackend()}
	engine := newTestEngine(t, clock, EngineOptions{Backend: backend})
	ctx := context.Background()
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)
	before := mustSnapshot(t, engine)

	backend.setFailing(true)
	_, err = engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.True(t, errors.Is(err, errDiskFull), "expected backend error, got %v", err)

	after := mustSnapshot(t, engine)
	require.Equal(t, before, after)

	backend.setFailing(false)
	result, err := engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)
	require.Equal(t, 1, result.StepIndex)
}

func TestIngestMarksPendingWhenSyncEnabled(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	enableSync(t, engine)
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)

	result, err := engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)
	detail, err := engine.SessionDetail(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, detail.Session.Sync.Status)
}

func TestStartCaptureOpensFreshSession(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()

	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)
	first, err := engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)

	_, err = engine.StopCapture(ctx)
	require.NoError(t, err)
	_, err = engine.StartCapture(ctx, 1)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)

	require.NotEqual(t, first.SessionID, second.SessionID)
	require.Equal(t, 1, second.StepIndex)

	sessions, err := engine.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, second.SessionID, sessions[0].ID, "newest session first")
}

func TestDiscardLastStepResequences(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	enableSync(t, engine)
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)

	t0 := clock.Now()
	var sessionID string
	for i, id := range []string{"a", "b", "c"} {
		result, err := engine.Ingest(ctx, clickAt(t0.Add(time.Duration(i)*time.Second), id), SenderContext{TabID: 1})
		require.NoError(t, err)
		sessionID = result.SessionID
	}

	discarded, err := engine.DiscardLastStep(ctx, sessionID, 0)
	require.NoError(t, err)
	require.True(t, discarded.Discarded)
	require.Equal(t, 2, discarded.StepsCount)

	detail, err := engine.SessionDetail(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, SyncLocal, detail.Session.Sync.Status)
	require.Equal(t, 2, detail.Session.StepsCount)
	require.Equal(t, t0.Add(time.Second), detail.Session.UpdatedAt)
	for i, step := range detail.Steps {
		require.Equal(t, i+1, step.StepIndex)
	}
}

func TestDiscardLastStepOnEmptySessionIsNoop(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)
	result, err := engine.Ingest(ctx, clickAt(clock.Now(), "only"), SenderContext{TabID: 1})
	require.NoError(t, err)

	first, err := engine.DiscardLastStep(ctx, "", 1)
	require.NoError(t, err)
	require.True(t, first.Discarded)
	require.Equal(t, result.SessionID, first.SessionID)

	before := mustSnapshot(t, engine)
	second, err := engine.DiscardLastStep(ctx, result.SessionID, 1)
	require.NoError(t, err)
	require.False(t, second.Discarded)
	require.Zero(t, second.StepsCount)
	require.Equal(t, before, mustSnapshot(t, engine), "store unchanged after empty discard")
}

func TestUpdateAnnotationsNormalizes(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)
	result, err := engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)

	step, err := engine.UpdateAnnotations(ctx, result.StepID, []Annotation{
		{X: 0.2, Y: 0.2, Width: 0.5, Height: 1.5, Label: "here"},
		{X: 0.2, Y: 0.2, Width: 0.001, Height: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, step.Annotations, 1)
	require.Equal(t, 1.0, step.Annotations[0].Height)

	_, err = engine.UpdateAnnotations(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionCascades(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, clock, EngineOptions{})
	ctx := context.Background()
	enableSync(t, engine)
	_, err := engine.StartCapture(ctx, 1)
	require.NoError(t, err)
	result, err := engine.Ingest(ctx, clickAt(clock.Now(), "x"), SenderContext{TabID: 1})
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, result.SessionID, ReasonManual)
	require.NoError(t, err)

	require.NoError(t, engine.DeleteSession(ctx, result.SessionID))
	state := mustSnapshot(t, engine)
	require.Empty(t, state.Sessions)
	require.Empty(t, state.Steps)
	require.Empty(t, state.SyncQueue)
	require.Empty(t, state.TabToSession)

	require.ErrorIs(t, engine.DeleteSession(ctx, result.SessionID), ErrNotFound)
}

func TestStepIndicesStayDense(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock()
		engine, err := NewEngine(EngineOptions{
			Now:          clock.Now,
			Jitter:       func() time.Duration { return 0 },
			Retention:    RetentionLimits{MaxSteps: 25, MaxSessions: 3},
			DisableTimer: true,
		})
		require.NoError(rt, err)
		defer engine.Close()
		ctx := context.Background()
		_, err = engine.StartCapture(ctx, 1)
		require.NoError(rt, err)

		ops := rapid.IntRange(1, 60).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 1500).Draw(rt, "gapMs")) * time.Millisecond)
			tab := rapid.IntRange(1, 3).Draw(rt, "tab")
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, err := engine.DiscardLastStep(ctx, "", tab)
				require.NoError(rt, err)
			default:
				target := rapid.SampledFrom([]string{"a", "b"}).Draw(rt, "target")
				_, err := engine.Ingest(ctx, clickAt(clock.Now(), target), SenderContext{TabID: tab})
				require.NoError(rt, err)
			}
		}
		state, err := engine.Snapshot(ctx)
		require.NoError(rt, err)
		assertDenseIndices(rt, state)
	})
}
