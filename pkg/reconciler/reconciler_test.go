package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pastTime() *time.Time {
	t := time.Now().Add(-time.Hour)
	return &t
}

func futureTime() *time.Time {
	t := time.Now().Add(time.Hour)
	return &t
}

func TestSweepTimeoutMarksLapsedNodeIncomplete(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	node := &types.Node{
		ID: "n1", Kind: types.KindJob, State: types.StateRunning,
		Owner: "kci-timeout", Timeout: pastTime(),
	}
	api.Seed(node)

	r := New(api, Config{Mode: ModeTimeout, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, updated.State)
	assert.Equal(t, types.ResultIncomplete, updated.Result)
	assert.Equal(t, types.ErrorNodeTimeout, updated.Data.ErrorCode)
}

func TestSweepTimeoutNonRunningCheckoutPasses(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	node := &types.Node{
		ID: "checkout1", Kind: types.KindCheckout, State: types.StateAvailable,
		Owner: "kci-timeout", Timeout: pastTime(),
	}
	api.Seed(node)

	r := New(api, Config{Mode: ModeTimeout, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "checkout1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, updated.State)
	assert.Equal(t, types.ResultPass, updated.Result)
}

func TestSweepTimeoutIgnoresOtherOwners(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	node := &types.Node{
		ID: "n1", Kind: types.KindJob, State: types.StateRunning,
		Owner: "someone-else", Timeout: pastTime(),
	}
	api.Seed(node)

	r := New(api, Config{Mode: ModeTimeout, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, updated.State)
}

func TestSweepHoldoffClosesNodeWithRunningChildren(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	parent := &types.Node{
		ID: "p1", Kind: types.KindKbuild, State: types.StateAvailable,
		Owner: "kci-timeout", Holdoff: pastTime(),
	}
	child := &types.Node{
		ID: "c1", Kind: types.KindJob, Parent: "p1", State: types.StateRunning,
		Owner: "kci-timeout",
	}
	api.Seed(parent)
	api.Seed(child)

	r := New(api, Config{Mode: ModeHoldoff, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StateClosing, updated.State)
}

func TestSweepHoldoffMarksDoneWithNoChildren(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	node := &types.Node{
		ID: "p1", Kind: types.KindJob, State: types.StateAvailable,
		Owner: "kci-timeout", Holdoff: pastTime(),
	}
	api.Seed(node)

	r := New(api, Config{Mode: ModeHoldoff, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, updated.State)
}

func TestSweepHoldoffCheckoutDonePassesUnconditionally(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	node := &types.Node{
		ID: "checkout1", Kind: types.KindCheckout, State: types.StateAvailable,
		Owner: "kci-timeout", Holdoff: pastTime(),
	}
	api.Seed(node)

	r := New(api, Config{Mode: ModeHoldoff, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "checkout1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, updated.State)
	assert.Equal(t, types.ResultPass, updated.Result)
}

func TestSweepClosingPromotesToDoneWhenChildrenFinished(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	node := &types.Node{
		ID: "p1", Kind: types.KindJob, State: types.StateClosing,
		Owner: "kci-timeout",
	}
	api.Seed(node)

	r := New(api, Config{Mode: ModeClosing, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, updated.State)
}

func TestSweepClosingWaitsForRunningChildren(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-timeout")
	parent := &types.Node{
		ID: "p1", Kind: types.KindJob, State: types.StateClosing,
		Owner: "kci-timeout",
	}
	child := &types.Node{
		ID: "c1", Kind: types.KindTest, Parent: "p1", State: types.StateRunning,
		Owner: "kci-timeout",
	}
	api.Seed(parent)
	api.Seed(child)

	r := New(api, Config{Mode: ModeClosing, PollPeriod: time.Hour})
	require.NoError(t, r.Run(withOneShot(context.Background())))

	updated, err := api.GetNode(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StateClosing, updated.State)
}

// withOneShot returns a context already canceled after the first tick
// by running sweepOnce synchronously instead of waiting on PollPeriod;
// Run performs one sweep before the loop starts, so a pre-canceled
// context still exercises exactly one sweepOnce call.
func withOneShot(ctx context.Context) context.Context {
	c, cancel := context.WithCancel(ctx)
	cancel()
	return c
}
