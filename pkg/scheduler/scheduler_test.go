package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/config"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a configurable Backend test double.
type fakeBackend struct {
	name, labType string

	getParams    func(context.Context, Job) (map[string]any, error)
	generate     func(context.Context, Job, map[string]any) ([]byte, error)
	submitJobID  string
	submitErr    error
	jobDefURL    string
	queueDepth   int
	queueErr     error
}

func (b *fakeBackend) Name() string    { return b.name }
func (b *fakeBackend) LabType() string { return b.labType }

func (b *fakeBackend) GetParams(ctx context.Context, job Job) (map[string]any, error) {
	if b.getParams != nil {
		return b.getParams(ctx, job)
	}
	return map[string]any{"arch": "x86_64"}, nil
}

func (b *fakeBackend) Generate(ctx context.Context, job Job, params map[string]any) ([]byte, error) {
	if b.generate != nil {
		return b.generate(ctx, job, params)
	}
	return []byte("job-description"), nil
}

func (b *fakeBackend) SaveJobFile(destDir string, data []byte) (string, error) {
	return destDir + "/job.yaml", nil
}

func (b *fakeBackend) Submit(ctx context.Context, path string) (*SubmittedJob, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	return &SubmittedJob{JobID: b.submitJobID}, nil
}

func (b *fakeBackend) JobDefinitionURL() string { return b.jobDefURL }

func (b *fakeBackend) QueueDepth(ctx context.Context, platform string) (int, error) {
	return b.queueDepth, b.queueErr
}

func testCatalog() *config.Catalog {
	return &config.Catalog{
		Jobs: map[string]config.JobConfig{
			"kbuild-gcc": {
				Name:        "kbuild-gcc",
				Kind:        "kbuild",
				RuntimeName: "k8s",
				Params:      map[string]any{"arch": "x86_64"},
			},
		},
		Runtimes: map[string]config.RuntimeConfig{
			"k8s": {LabType: "kubernetes"},
		},
		Platforms: map[string]config.PlatformConfig{
			"builder": {Name: "builder", LabType: "kubernetes"},
		},
	}
}

func newTestScheduler(api apiclient.API, backend Backend) *Scheduler {
	backends := map[string]Backend{}
	if backend != nil {
		backends[backend.LabType()] = backend
	}
	return New(api, testCatalog(), backends, nil, Config{})
}

func checkoutEvent() *types.Node {
	return &types.Node{
		ID:    "checkout1",
		Kind:  types.KindCheckout,
		Name:  "checkout",
		State: types.StateAvailable,
		Data: types.NodeData{
			KernelRevision: &types.KernelRevision{Tree: "mainline", Branch: "master"},
		},
	}
}

func TestHandleNodeEventSubmitsPushStyleJob(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	backend := &fakeBackend{name: "k8s", labType: "kubernetes", submitJobID: "job-123"}
	s := newTestScheduler(api, backend)

	s.handleNodeEvent(context.Background(), checkoutEvent())

	nodes, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "kbuild"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "job-123", nodes[0].Data.JobID)
	assert.Equal(t, types.StateRunning, nodes[0].State)
}

func TestHandleNodeEventPullStyleRecordsJobDefinitionURL(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	backend := &fakeBackend{name: "k8s", labType: "kubernetes", jobDefURL: "https://storage/job.yaml"}
	s := newTestScheduler(api, backend)

	s.handleNodeEvent(context.Background(), checkoutEvent())

	nodes, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "kbuild"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "https://storage/job.yaml", nodes[0].Artifacts["job_definition"])
}

func TestRunJobInvalidParamsMarksIncomplete(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	backend := &fakeBackend{
		name: "k8s", labType: "kubernetes",
		getParams: func(context.Context, Job) (map[string]any, error) { return nil, nil },
	}
	s := newTestScheduler(api, backend)

	s.handleNodeEvent(context.Background(), checkoutEvent())

	nodes, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "kbuild"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.StateDone, nodes[0].State)
	assert.Equal(t, types.ResultIncomplete, nodes[0].Result)
	assert.Equal(t, types.ErrorInvalidJobParams, nodes[0].Data.ErrorCode)
}

func TestRunJobGenerateErrorMarksIncomplete(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	backend := &fakeBackend{
		name: "k8s", labType: "kubernetes",
		generate: func(context.Context, Job, map[string]any) ([]byte, error) {
			return nil, errors.New("generation exploded")
		},
	}
	s := newTestScheduler(api, backend)

	s.handleNodeEvent(context.Background(), checkoutEvent())

	nodes, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "kbuild"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.ResultIncomplete, nodes[0].Result)
	assert.Equal(t, types.ErrorJobGeneration, nodes[0].Data.ErrorCode)
}

func TestRunJobEmptyDescriptionMarksFailNotIncomplete(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	backend := &fakeBackend{
		name: "k8s", labType: "kubernetes",
		generate: func(context.Context, Job, map[string]any) ([]byte, error) { return nil, nil },
	}
	s := newTestScheduler(api, backend)

	s.handleNodeEvent(context.Background(), checkoutEvent())

	nodes, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "kbuild"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	// Branch 3 asymmetry: empty description with no error is "fail",
	// not "incomplete" like branch 2 (an actual generate() error).
	assert.Equal(t, types.ResultFail, nodes[0].Result)
	assert.Equal(t, types.ErrorJobGeneration, nodes[0].Data.ErrorCode)
}

func TestRunJobSubmitErrorMarksIncomplete(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	backend := &fakeBackend{name: "k8s", labType: "kubernetes", submitErr: errors.New("submit failed")}
	s := newTestScheduler(api, backend)

	s.handleNodeEvent(context.Background(), checkoutEvent())

	nodes, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "kbuild"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.ResultIncomplete, nodes[0].Result)
	assert.Equal(t, types.ErrorSubmit, nodes[0].Data.ErrorCode)
}

func TestShouldSkipDueToQueueDepth(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")

	full := &fakeBackend{name: "k8s", labType: "kubernetes", queueDepth: 10}
	s := newTestScheduler(api, full)
	s.cfg.DefaultMaxQueueDepth = 10
	cand := Candidate{Platform: config.PlatformConfig{Name: "builder", LabType: "kubernetes"}, Job: config.JobConfig{Name: "kbuild-gcc"}}
	assert.True(t, s.shouldSkipDueToQueueDepth(context.Background(), cand))

	noDevices := &fakeBackend{name: "k8s", labType: "kubernetes", queueDepth: -1}
	s2 := newTestScheduler(api, noDevices)
	assert.True(t, s2.shouldSkipDueToQueueDepth(context.Background(), cand))

	erroring := &fakeBackend{name: "k8s", labType: "kubernetes", queueErr: errors.New("query failed")}
	s3 := newTestScheduler(api, erroring)
	assert.False(t, s3.shouldSkipDueToQueueDepth(context.Background(), cand))
}

func TestTranslateFreq(t *testing.T) {
	assert.Equal(t, 26*time.Hour+30*time.Minute, TranslateFreq("1d2h30m"))
	assert.Equal(t, 2*time.Hour, TranslateFreq("2h"))
	assert.Equal(t, time.Duration(0), TranslateFreq(""))
}

func TestShouldCreateNodeFilters(t *testing.T) {
	c := Candidate{Job: config.JobConfig{Name: "kbuild-gcc"}, Platform: config.PlatformConfig{Name: "builder"}}

	node := &types.Node{}
	assert.True(t, ShouldCreateNode(c, node))

	node.JobFilter = []string{"other-job"}
	assert.False(t, ShouldCreateNode(c, node))

	node.JobFilter = []string{"kbuild-gcc+"}
	assert.True(t, ShouldCreateNode(c, node))
}

func TestVerifyArchitectureFilter(t *testing.T) {
	c := Candidate{Job: config.JobConfig{Kind: "kbuild", Params: map[string]any{"arch": "arm64"}}}
	node := &types.Node{Data: types.NodeData{ArchitectureFilter: []string{"x86_64"}}}
	assert.False(t, VerifyArchitectureFilter(c, node))

	node.Data.ArchitectureFilter = []string{"arm64", "x86_64"}
	assert.True(t, VerifyArchitectureFilter(c, node))

	testJob := Candidate{Job: config.JobConfig{Kind: "test"}}
	assert.True(t, VerifyArchitectureFilter(testJob, &types.Node{Data: types.NodeData{ArchitectureFilter: []string{"arm64"}}}))
}

func TestMaybeRetryRepublishesParentWithJobFilter(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	checkout := &types.Node{ID: "checkout1", Kind: types.KindCheckout, State: types.StateAvailable}
	kbuild := &types.Node{ID: "kbuild1", Kind: types.KindKbuild, Parent: "checkout1", Name: "kbuild-gcc", State: types.StateDone, Result: types.ResultPass}
	job := &types.Node{
		ID: "job1", Kind: types.KindJob, Parent: "kbuild1", Name: "boot-test",
		State: types.StateDone, Result: types.ResultIncomplete,
		Data: types.NodeData{Platform: "qemu-x86", RetryCounter: 1},
	}
	api.Seed(checkout)
	api.Seed(kbuild)
	api.Seed(job)

	subID, err := api.Subscribe(context.Background(), "retry", apiclient.Filter{})
	require.NoError(t, err)

	s := newTestScheduler(api, nil)
	s.maybeRetry(context.Background(), job)

	published, err := api.ReceiveEvent(context.Background(), subID)
	require.NoError(t, err)
	assert.Equal(t, "kbuild1", published.ID)
	assert.Equal(t, []string{"boot-test"}, published.JobFilter)
	assert.Equal(t, []string{"qemu-x86"}, published.PlatformFilter)
	assert.Equal(t, types.StateAvailable, published.State)
	assert.Equal(t, 2, published.Data.RetryCounter)
	assert.Equal(t, "job1", published.Data.Debug["retry_by"])
}

func TestMaybeRetryRefusesAtCeiling(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	kbuild := &types.Node{ID: "kbuild1", Kind: types.KindKbuild, Parent: "checkout1", State: types.StateDone, Result: types.ResultPass}
	job := &types.Node{
		ID: "job1", Kind: types.KindJob, Parent: "kbuild1", Name: "boot-test",
		State: types.StateDone, Result: types.ResultIncomplete,
		Data: types.NodeData{RetryCounter: 3},
	}
	api.Seed(kbuild)
	api.Seed(job)

	subID, err := api.Subscribe(context.Background(), "retry", apiclient.Filter{})
	require.NoError(t, err)

	s := newTestScheduler(api, nil)
	s.maybeRetry(context.Background(), job)

	_, err = api.ReceiveEvent(context.Background(), subID)
	assert.Equal(t, apiclient.ErrTimeout, err)
}

func TestWatchdogExitsOnStaleHeartbeat(t *testing.T) {
	api := apiclient.NewFakeAPI("kci-scheduler")
	s := newTestScheduler(api, nil)
	s.cfg.WatchdogTimeout = time.Millisecond

	exited := false
	s.exit = func(code int) { exited = true }

	s.touchHeartbeat("node")
	time.Sleep(5 * time.Millisecond)
	s.checkHeartbeats()

	assert.True(t, exited)
}
