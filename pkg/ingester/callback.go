package ingester

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kernelci/kci-pipeline/pkg/logspec"
	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/storage"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// callbackTask is one queued LAVA callback awaiting worker processing.
type callbackTask struct {
	nodeID  string
	payload map[string]any
}

// worker drains s.jobs until it's closed, mirroring one thread of
// lava_callback.py's ThreadPoolExecutor(max_workers=16) running
// async_job_submit.
func (s *Server) worker() {
	defer s.wg.Done()
	for task := range s.jobs {
		s.processCallback(context.Background(), task.nodeID, task.payload)
	}
}

// handleCallback is POST /node/{id}: authenticates the calling lab by
// bearer token, decodes the JSON body, and enqueues it for background
// processing before replying 202 immediately — LAVA does not wait for
// (or care about) the response body. Mirrors the `callback` endpoint
// in full.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	metrics.HTTPRequestsTotal.WithLabelValues("/node/{id}", "received").Inc()

	if len(s.settings.Lab) == 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "No tokens configured"})
		return
	}

	token := authHeader(r)
	if token == "" {
		metrics.CallbackAuthFailuresTotal.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	if _, ok := s.settings.LabByToken(token); !ok {
		metrics.CallbackAuthFailuresTotal.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Error().Err(err).Msg("error decoding JSON")
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error decoding JSON"})
		return
	}

	s.jobs <- callbackTask{nodeID: nodeID, payload: payload}
	metrics.WorkerPoolQueueDepth.Set(float64(len(s.jobs)))

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "OK"})
}

// processCallback is async_job_submit: fetches the job node, uploads
// the log/callback artifacts, updates the node's terminal state, and
// submits the test-result hierarchy, emitting telemetry throughout.
// Every failure here is logged and counted rather than surfaced to
// the (already-answered) caller.
func (s *Server) processCallback(ctx context.Context, nodeID string, payload map[string]any) {
	lc := newLavaCallback(payload)

	jobNode, err := s.api.GetNode(ctx, nodeID)
	if err != nil || jobNode == nil {
		metrics.CallbackLateFailuresTotal.Inc()
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("node not found")
		return
	}

	update := jobNode.Clone()
	logText := lc.logText()
	jobResult := lc.jobStatus()

	if logText != "" {
		uploadDir := storage.UploadDir(jobNode.Name, jobNode.ID)
		s.uploadArtifacts(ctx, update, uploadDir, logText, payload)
	} else {
		s.logger.Warn().Str("node_id", nodeID).Msg("no log data found in callback")
		jobResult = string(types.ResultIncomplete)
	}

	update.Result = types.NodeResult(jobResult)
	update.State = types.StateDone
	if update.Data.ErrorCode == types.ErrorNodeTimeout {
		update.Data.ErrorCode = ""
		update.Data.ErrorMsg = ""
	}
	if dev := lc.deviceID(); dev != "" {
		update.Data.Device = dev
	}

	results := lc.results()
	if update.Artifacts == nil {
		update.Artifacts = make(map[string]string)
	}
	for name, state := range results {
		if !strings.HasPrefix(name, "artifact-upload:") || state != "pass" {
			continue
		}
		parts := strings.SplitN(name, ":", 3)
		if len(parts) != 3 {
			s.logger.Warn().Str("name", name).Msg("failed to extract artifact name and URL")
			continue
		}
		update.Artifacts[parts[1]] = parts[2]
	}

	children := lc.hierarchy(results)

	if _, err := s.api.UpdateNode(ctx, update); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to update job node")
		metrics.CallbackLateFailuresTotal.Inc()
		return
	}
	s.submitResults(ctx, update, children)
	s.emitCallbackTelemetry(update, lc, children)

	s.logger.Info().Str("node_id", nodeID).Msg("completed processing callback")
}

// uploadArtifacts uploads the sanitized log, structured LAVA log and
// raw callback data, recording each artifact URL on update. Mirrors
// _upload_log/_upload_lava_yaml/_upload_callback_data.
func (s *Server) uploadArtifacts(ctx context.Context, update *types.Node, uploadDir, logText string, payload map[string]any) {
	if update.Artifacts == nil {
		update.Artifacts = make(map[string]string)
	}

	sanitized := sanitizeLog(logText)
	logURL, err := s.uploader.Upload(ctx, uploadDir, "log.txt.gz", []byte(sanitized))
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upload log")
		metrics.CallbackLateFailuresTotal.Inc()
	} else {
		update.Artifacts["lava_log"] = logURL
	}

	if yamlURL, err := s.uploadLavaYAML(ctx, update, uploadDir, logText); err != nil {
		s.logger.Warn().Err(err).Msg("failed to upload structured log")
		metrics.CallbackLateFailuresTotal.Inc()
	} else if yamlURL != "" {
		update.Artifacts["lava_logs"] = yamlURL
	}

	sanitizedPayload := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "token" {
			continue
		}
		sanitizedPayload[k] = v
	}
	data, err := json.MarshalIndent(sanitizedPayload, "", "    ")
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal callback data")
		metrics.CallbackLateFailuresTotal.Inc()
		return
	}
	cbURL, err := s.uploader.Upload(ctx, uploadDir, "lava_callback.json.gz", data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upload callback data")
		metrics.CallbackLateFailuresTotal.Inc()
		return
	}
	update.Artifacts["callback_data"] = cbURL
}

// uploadLavaYAML runs logText through the logspec FSM matching node's
// job kind and uploads the structured result as lava-logs.yaml,
// mirroring _upload_lava_yaml. A parse or upload failure is returned
// to the caller, which logs it, counts it against late_fail like the
// other two uploads, and carries on without the lava_logs artifact.
func (s *Server) uploadLavaYAML(ctx context.Context, node *types.Node, uploadDir, logText string) (string, error) {
	start, err := logspec.ParserFor(logParserName(node))
	if err != nil {
		return "", err
	}
	data := logspec.ParseLog(logText, start)
	rendered, err := logspec.MarshalData(data)
	if err != nil {
		return "", err
	}
	return s.uploader.Upload(ctx, uploadDir, "lava-logs.yaml", rendered)
}

// logParserName picks which built-in logspec parser fits node's log,
// keyed off its kind the same way the object_types table keys issue
// generation off build vs test results: a kbuild node gets the
// compiler-error parser, everything else (the LAVA test/boot jobs this
// callback receiver actually serves) gets the boot or baseline test
// parser depending on what the job itself runs.
func logParserName(node *types.Node) string {
	if node.Kind == types.KindKbuild {
		return "kbuild"
	}
	if strings.Contains(strings.ToLower(node.Name), "boot") {
		return "kernel_boot"
	}
	return "test_baseline"
}

// submitResults creates one test child node per hierarchy entry under
// jobNode, mirroring api_helper.submit_results's node-creation side.
func (s *Server) submitResults(ctx context.Context, jobNode *types.Node, children []hierarchyChild) {
	for _, child := range children {
		node := &types.Node{
			Kind:   types.KindTest,
			Name:   child.Name,
			Parent: jobNode.ID,
			State:  types.StateDone,
			Result: child.Result,
			Data: types.NodeData{
				KernelRevision: jobNode.Data.KernelRevision,
				Platform:       jobNode.Data.Platform,
				Runtime:        jobNode.Data.Runtime,
			},
		}
		if _, err := s.api.AddNode(ctx, node); err != nil {
			s.logger.Error().Err(err).Str("test_name", child.Name).Msg("failed to submit test result node")
		}
	}
}

// emitCallbackTelemetry emits one job_result event and one test_result
// event per hierarchy child, mirroring _emit_callback_telemetry/
// _emit_test_results.
func (s *Server) emitCallbackTelemetry(jobNode *types.Node, lc *lavaCallback, children []hierarchyChild) {
	if s.telemetry == nil {
		return
	}

	var tree, branch string
	if jobNode.Data.KernelRevision != nil {
		tree = jobNode.Data.KernelRevision.Tree
		branch = jobNode.Data.KernelRevision.Branch
	}
	isInfra := jobNode.Result == types.ResultIncomplete && lc.isInfraError()

	common := map[string]any{
		"runtime":     jobNode.Data.Runtime,
		"device_type": jobNode.Data.Platform,
		"device_id":   jobNode.Data.Device,
		"job_name":    jobNode.Name,
		"job_id":      jobNode.Data.JobID,
		"node_id":     jobNode.ID,
		"tree":        tree,
		"branch":      branch,
		"arch":        jobNode.Data.Arch,
	}

	s.telemetry.Emit("job_result", mergeFields(common, map[string]any{
		"result":        jobNode.Result,
		"is_infra_error": isInfra,
		"error_type":    jobNode.Data.ErrorCode,
		"error_msg":     jobNode.Data.ErrorMsg,
	}))

	for _, child := range children {
		s.telemetry.Emit("test_result", mergeFields(common, map[string]any{
			"test_name": child.Name,
			"result":    child.Result,
		}))
	}
}

func mergeFields(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
