package ingester

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/scheduler"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// jobRetryRequest is the POST /api/jobretry body, mirroring the
// JobRetry pydantic model.
type jobRetryRequest struct {
	NodeID    string   `json:"nodeid"`
	JobFilter []string `json:"jobfilter"`
}

// handleJobRetry is POST /api/jobretry: given a completed job node,
// walks up to its parent kbuild and republishes it with a jobfilter
// restricted to (kbuild name, job name) plus any caller-supplied
// extra names, for regression-bisect retries. Mirrors the `jobretry`
// endpoint in full, including its ordering of validation checks.
func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequestsTotal.WithLabelValues("/api/jobretry", "received").Inc()

	claims, ok := s.validatePermissions(authHeader(r), "testretry")
	if !ok {
		metrics.CallbackAuthFailuresTotal.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	var req jobRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error decoding JSON"})
		return
	}

	s.logger.Info().Str("email", claims.Email).Str("node_id", req.NodeID).Msg("retrying job")

	ctx := r.Context()
	node, err := s.api.GetNode(ctx, req.NodeID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Error getting node"})
		return
	}
	if node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Node not found"})
		return
	}
	if node.Kind != types.KindJob {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Node is not a job"})
		return
	}

	kbuild, err := scheduler.FindParentKind(ctx, s.api, node, types.KindKbuild)
	if err != nil || kbuild == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Kernel build not found"})
		return
	}
	if kbuild.State != types.StateDone {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Kernel build is not done"})
		return
	}
	if kbuild.Result != types.ResultPass {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Kernel build result is not pass"})
		return
	}

	republished := kbuild.Clone()
	republished.JobFilter = append([]string{kbuild.Name, node.Name}, req.JobFilter...)
	republished.Op = "updated"
	republished.Artifacts = nil
	republished.Created = time.Time{}
	republished.Updated = time.Time{}
	republished.Timeout = nil
	republished.Owner = ""
	republished.Submitter = ""
	republished.Usergroups = nil

	if err := s.api.SendEvent(ctx, "node", republished); err != nil {
		s.logger.Error().Err(err).Str("node_id", req.NodeID).Msg("failed to send retry event")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to submit retry"})
		return
	}

	s.logger.Info().Str("node_id", req.NodeID).Msg("job retry submitted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}
