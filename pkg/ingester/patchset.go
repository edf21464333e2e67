package ingester

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// patchSetRequest is the POST /api/patchset body, mirroring the
// PatchSet pydantic model.
type patchSetRequest struct {
	NodeID         string   `json:"nodeid"`
	PatchURL       []string `json:"patchurl,omitempty"`
	Patch          []string `json:"patch,omitempty"`
	JobFilter      []string `json:"jobfilter,omitempty"`
	PlatformFilter []string `json:"platformfilter,omitempty"`
}

// validatePatchURL reports whether s parses as an absolute http(s)
// URL, mirroring base.validate_url.
func validatePatchURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// handlePatchset is POST /api/patchset: clones an existing checkout
// node into a new "patchset" node carrying the supplied patch URLs,
// for testing an out-of-tree patch against an existing tree/branch.
// Mirrors the `patchset` endpoint in full; inline-patch-body upload
// (data.patch) remains unimplemented, matching the original's 501.
func (s *Server) handlePatchset(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequestsTotal.WithLabelValues("/api/patchset", "received").Inc()

	claims, ok := s.validatePermissions(authHeader(r), "patchset")
	if !ok || claims.Email == "" {
		metrics.CallbackAuthFailuresTotal.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	var req patchSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error decoding JSON"})
		return
	}

	s.logger.Info().Str("email", claims.Email).Str("node_id", req.NodeID).Msg("testing patchset")

	ctx := r.Context()
	node, err := s.api.GetNode(ctx, req.NodeID)
	if err != nil || node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Node not found"})
		return
	}
	if node.Kind != types.KindCheckout {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Node is not a checkout"})
		return
	}

	switch {
	case len(req.PatchURL) > 0:
		for _, u := range req.PatchURL {
			if !validatePatchURL(u) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid patch URL"})
				return
			}
		}
	case len(req.Patch) > 0:
		writeJSON(w, http.StatusNotImplemented, map[string]string{"message": "Not implemented yet"})
		return
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Missing patch URL or patch"})
		return
	}

	if node.Data.KernelRevision == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Node does not have kernel revision data"})
		return
	}

	timeout := nowDeadline()
	treeid := hashTreeID(node.Data.KernelRevision.URL, node.Data.KernelRevision.Branch)

	newNode := node.Clone()
	newNode.ID = ""
	newNode.Created = time.Time{}
	newNode.Updated = time.Time{}
	newNode.Result = ""
	newNode.Owner = ""
	newNode.Name = "patchset"
	newNode.Path = []string{"checkout", "patchset"}
	newNode.Group = "patchset"
	newNode.State = types.StateRunning
	newNode.Parent = node.ID
	newNode.Artifacts = make(map[string]string)
	newNode.Timeout = &timeout
	newNode.Submitter = "user:" + claims.Email
	newNode.TreeID = treeid

	for i, u := range req.PatchURL {
		newNode.Artifacts[fmt.Sprintf("patch%d", i)] = u
	}
	if len(req.JobFilter) > 0 {
		newNode.JobFilter = req.JobFilter
	}
	if len(req.PlatformFilter) > 0 {
		newNode.PlatformFilter = req.PlatformFilter
	}

	created, err := s.api.AddNode(ctx, newNode)
	if err != nil || created == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to submit patchset node"})
		return
	}

	s.logger.Info().Str("node_id", created.ID).Msg("patchset node submitted")
	writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "node": created})
}
