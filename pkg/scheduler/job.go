package scheduler

import (
	"context"

	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// submissionDir is where a generated job description is written
// before Submit is called, distinct from Config.BackupDir (which only
// gets a copy when backups are enabled).
const submissionDir = "/tmp/kci-submit"

// runJob creates a child node for candidate c under parent, generates
// and submits its job description, and records the outcome. This is
// _run_job's five branch points, preserved exactly including the
// fail/incomplete result asymmetry between branches 2 and 3. Mirrors
// scheduler.py's _run_job.
func (s *Scheduler) runJob(ctx context.Context, c Candidate, parent *types.Node, retryCounter int) {
	child := s.buildChildNode(c, parent, retryCounter)

	created, err := s.api.AddNode(ctx, child)
	if err != nil {
		// create_job_node failing is a silent return in the original
		// (a KeyError from a malformed job config); nothing to clean
		// up since no node was persisted.
		s.logger.Warn().Err(err).Str("job", c.Job.Name).Msg("failed to create child node")
		return
	}

	backend, ok := s.backends[c.Platform.LabType]
	if !ok {
		s.failNode(ctx, created, types.ResultIncomplete, types.ErrorInvalidJobParams, "no backend for lab type "+c.Platform.LabType)
		return
	}

	job := Job{
		Node:     &NodeJob{ID: created.ID, Name: created.Name, Params: c.Job.Params},
		Config:   JobConfig{Name: c.Job.Name, Image: c.Job.Image, RuntimeName: c.Job.RuntimeName, Params: c.Job.Params},
		Platform: PlatformConfig{Name: c.Platform.Name, LabType: c.Platform.LabType},
	}

	params, err := backend.GetParams(ctx, job)
	if err != nil || len(params) == 0 {
		s.failNode(ctx, created, types.ResultIncomplete, types.ErrorInvalidJobParams, "backend returned no parameters")
		return
	}
	job.Params = params

	description, err := backend.Generate(ctx, job, params)
	if err != nil {
		s.failNode(ctx, created, types.ResultIncomplete, types.ErrorJobGeneration, err.Error())
		return
	}
	if len(description) == 0 {
		// Branch 3: generate() returned empty with no exception. The
		// result is "fail", not "incomplete" -- preserved verbatim
		// from scheduler.py's asymmetry with branch 2 above.
		s.failNode(ctx, created, types.ResultFail, types.ErrorJobGeneration, "job generation produced an empty description")
		return
	}

	path, err := backend.SaveJobFile(submissionDir, description)
	if err != nil {
		s.failNode(ctx, created, types.ResultIncomplete, types.ErrorJobGeneration, err.Error())
		return
	}
	if s.cfg.BackupFileLifetime > 0 {
		s.backupJob(created.ID, description)
	}

	submitted, err := backend.Submit(ctx, path)
	if err != nil {
		s.failNode(ctx, created, types.ResultIncomplete, types.ErrorSubmit, err.Error())
		return
	}

	update := created.Clone()
	if submitted != nil && submitted.JobID != "" {
		update.Data.JobID = submitted.JobID
	} else if url := backend.JobDefinitionURL(); url != "" {
		if update.Artifacts == nil {
			update.Artifacts = make(map[string]string, 1)
		}
		update.Artifacts["job_definition"] = url
	}
	if _, err := s.api.UpdateNode(ctx, update); err != nil {
		s.logger.Error().Err(err).Str("node_id", created.ID).Msg("failed to record job submission")
	}

	metrics.JobsSubmittedTotal.WithLabelValues(c.Job.Name, c.Job.RuntimeName).Inc()
	s.emitTelemetry("job_submission", map[string]any{
		"job_name": c.Job.Name,
		"platform": c.Platform.Name,
		"node_id":  created.ID,
	})
}

// buildChildNode composes a child node inheriting kernel_revision,
// merging parent artifacts, and stamping tree_priority from the
// build-config table.
func (s *Scheduler) buildChildNode(c Candidate, parent *types.Node, retryCounter int) *types.Node {
	child := &types.Node{
		Kind:   types.NodeKind(c.Job.Kind),
		Name:   c.Job.Name,
		Parent: parent.ID,
		State:  types.StateRunning,
		Data: types.NodeData{
			KernelRevision: parent.Data.KernelRevision,
			Platform:       c.Platform.Name,
			Runtime:        c.Job.RuntimeName,
			RetryCounter:   retryCounter,
		},
	}
	if arch, ok := c.Job.Params["arch"].(string); ok {
		child.Data.Arch = arch
	}
	if len(parent.Artifacts) > 0 {
		child.Artifacts = make(map[string]string, len(parent.Artifacts))
		for k, v := range parent.Artifacts {
			child.Artifacts[k] = v
		}
	}
	if parent.Data.KernelRevision != nil {
		if p := s.catalog.TreePriority(parent.Data.KernelRevision.Tree, parent.Data.KernelRevision.Branch); p != nil {
			child.Data.TreePriority = *p
		}
	}
	return child
}

// failNode marks node done with result/errorCode/errorMsg and
// persists it, counting the failure by error_code.
func (s *Scheduler) failNode(ctx context.Context, node *types.Node, result types.NodeResult, errorCode, errorMsg string) {
	update := node.Clone()
	update.State = types.StateDone
	update.Result = result
	update.Data.ErrorCode = errorCode
	update.Data.ErrorMsg = errorMsg

	if _, err := s.api.UpdateNode(ctx, update); err != nil {
		s.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to record job failure")
	}
	metrics.JobGenerationErrorsTotal.WithLabelValues(errorCode).Inc()
	s.emitTelemetry("runtime_error", map[string]any{
		"error_type": errorCode,
		"node_id":    node.ID,
		"detail":     errorMsg,
	})
}
