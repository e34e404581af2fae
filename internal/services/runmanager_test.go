package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

func testFactory(t *testing.T, recipe ports.Recipe, target int) WorkflowFactory {
	store := newStore(t)
	return func(kind achieve.Kind, tier achieve.Tier, onProgress func(achieve.ProgressUpdate)) (*Workflow, error) {
		return NewWorkflow(WorkflowOptions{
			Kind: kind, Tier: tier, TargetCount: target, Concurrency: 2,
			Recipe: recipe, Store: store, Limiter: newCountingGate(2),
			OnProgress: onProgress,
		})
	}
}

func TestRunManager_RunsAndBuffersEvents(t *testing.T) {
	rm := NewRunManager(testFactory(t, &fakeRecipe{}, 3), nil, time.Minute)
	defer rm.Stop()

	id, err := rm.Start(context.Background(), achieve.KindPullShark, achieve.TierDefault)
	require.NoError(t, err)
	rm.Wait()

	events, wake, done, found := rm.Subscribe(id, 0)
	require.True(t, found)
	assert.True(t, done)
	select {
	case <-wake:
	default:
		t.Fatal("wake channel of a finished run must be closed")
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Success)
	for i, ev := range events {
		assert.Equal(t, i, ev.Seq)
	}

	res, ok := rm.LastResult(achieve.KindPullShark)
	require.True(t, ok)
	assert.Equal(t, 3, res.CompletedOperations)

	_, active := rm.ActiveRun(achieve.KindPullShark)
	assert.False(t, active)

	info, ok := rm.LatestRun(achieve.KindPullShark)
	require.True(t, ok)
	assert.Equal(t, id, info.ID)
	assert.True(t, info.Done)
	assert.NotNil(t, info.CompletedAt)
}

func TestRunManager_RejectsSecondActiveRunOfSameKind(t *testing.T) {
	release := make(chan struct{})
	blocking := ports.RecipeFunc{Kind: achieve.OpIssue, Fn: func(ctx context.Context, seq int) (*achieve.StepResult, error) {
		<-release
		return &achieve.StepResult{IssueNumber: seq}, nil
	}}
	rm := NewRunManager(testFactory(t, blocking, 1), nil, time.Minute)
	defer rm.Stop()

	ctx := context.Background()
	id, err := rm.Start(ctx, achieve.KindQuickdraw, achieve.TierDefault)
	require.NoError(t, err)

	active, ok := rm.ActiveRun(achieve.KindQuickdraw)
	require.True(t, ok)
	assert.Equal(t, id, active)

	_, err = rm.Start(ctx, achieve.KindQuickdraw, achieve.TierDefault)
	assert.Equal(t, achieve.ErrConflict, achieve.KindOf(err))

	// A different kind is independent.
	_, err = rm.Start(ctx, achieve.KindYOLO, achieve.TierDefault)
	require.NoError(t, err)

	close(release)
	rm.Wait()
	_, err = rm.Start(ctx, achieve.KindQuickdraw, achieve.TierDefault)
	assert.NoError(t, err)
	rm.Wait()
}

func TestRunManager_FactoryErrorFreesSlot(t *testing.T) {
	calls := 0
	factory := func(kind achieve.Kind, tier achieve.Tier, onProgress func(achieve.ProgressUpdate)) (*Workflow, error) {
		calls++
		return nil, errors.New("no token")
	}
	rm := NewRunManager(factory, nil, time.Minute)
	defer rm.Stop()

	for i := 0; i < 2; i++ {
		_, err := rm.Start(context.Background(), achieve.KindYOLO, achieve.TierDefault)
		assert.EqualError(t, err, "no token")
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, rm.Runs())
}

func TestRunManager_CollectExpired(t *testing.T) {
	rm := NewRunManager(testFactory(t, &fakeRecipe{}, 1), nil, 0)
	defer rm.Stop()

	id, err := rm.Start(context.Background(), achieve.KindYOLO, achieve.TierDefault)
	require.NoError(t, err)
	rm.Wait()

	time.Sleep(time.Millisecond)
	rm.collectExpired()
	_, _, _, found := rm.Subscribe(id, 0)
	assert.False(t, found)

	_, ok := rm.LastResult(achieve.KindYOLO)
	assert.True(t, ok, "last result outlives the event buffer")
}
