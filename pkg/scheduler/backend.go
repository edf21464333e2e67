package scheduler

import "context"

// Job is the unit of work handed to a Backend: a child node plus the
// job configuration and platform it was matched against.
type Job struct {
	Node     *NodeJob
	Config   JobConfig
	Platform PlatformConfig
	Params   map[string]any
}

// NodeJob is the subset of node fields a Backend's templating needs;
// kept separate from types.Node so backends don't import the full API
// model.
type NodeJob struct {
	ID     string
	Name   string
	Params map[string]any
}

// JobConfig is one entry from the pipeline's job definitions: the
// template name, optional image, the architectures it can run on, and
// the runtime/backend it targets. Grounded on
// original_source/src/scheduler.py's job_config objects (kernelci.config
// job definitions), generalized into a plain struct since this repo
// has no equivalent config-loading library to lean on.
type JobConfig struct {
	Name          string
	Image         string
	Architectures []string
	RuntimeName   string
	Params        map[string]any
}

// PlatformConfig describes one lab platform a job can be scheduled on.
type PlatformConfig struct {
	Name    string
	LabType string // "shell", "docker", "kubernetes", "lava", ...
}

// SubmittedJob is the outcome of a successful Backend.Submit: either a
// push-style job id (the backend started the job itself) or nothing,
// meaning the job is pull-style and a lab-side retriever will pick up
// the job description artifact later.
type SubmittedJob struct {
	JobID string // empty for pull-style jobs
}

// Backend abstracts one CI execution backend (LAVA, Kubernetes, a bare
// shell runner, ...), mirroring the shape of kernelci.runtime.Runtime
// in original_source/src/scheduler.py: get parameters, generate a job
// description, save it to disk, submit it, and report a job id or
// definition URL back.
type Backend interface {
	Name() string
	LabType() string

	// GetParams resolves the job's runtime-specific parameters (shell
	// command lines, a Kubernetes pod spec, a LAVA job definition
	// skeleton, ...). Returns nil if the job configuration can't be
	// resolved against this backend.
	GetParams(ctx context.Context, job Job) (map[string]any, error)

	// Generate renders the final job description bytes (e.g. a LAVA
	// job definition YAML). An error here is a job_generation_error;
	// a nil/empty result with no error is also a job_generation_error,
	// but surfaces as a "fail" result instead of "incomplete".
	Generate(ctx context.Context, job Job, params map[string]any) ([]byte, error)

	// SaveJobFile writes data to destDir and returns the path, for the
	// scheduler's backup-and-submit flow.
	SaveJobFile(destDir string, data []byte) (string, error)

	// Submit hands the job description at path to the backend. A
	// non-nil SubmittedJob.JobID means a push-style backend started the
	// job; an empty JobID with no error means a pull-style backend
	// (e.g. LAVA) will fetch the description itself.
	Submit(ctx context.Context, path string) (*SubmittedJob, error)

	// JobDefinitionURL returns the public URL of the job description
	// artifact for pull-style backends, once Submit has run.
	JobDefinitionURL() string

	// QueueDepth reports how many jobs are queued for platform on this
	// backend. Errors here are non-fatal: the scheduler fails open
	// (schedules anyway) if queue depth can't be determined.
	QueueDepth(ctx context.Context, platform string) (int, error)
}
