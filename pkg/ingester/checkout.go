package ingester

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/scheduler"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// manualCheckoutRequest is the POST /api/checkout body, mirroring the
// ManualCheckout pydantic model.
type manualCheckoutRequest struct {
	Commit         string   `json:"commit"`
	NodeID         string   `json:"nodeid,omitempty"`
	URL            string   `json:"url,omitempty"`
	Branch         string   `json:"branch,omitempty"`
	JobFilter      []string `json:"jobfilter,omitempty"`
	PlatformFilter []string `json:"platformfilter,omitempty"`
}

// maxFilterLen bounds jobfilter/platformfilter list length, mirroring
// the checkout endpoint's "to be on safe side restrict length ... to 8".
const maxFilterLen = 8

// isValidCommitString validates a git commit hash shape, mirroring
// is_valid_commit_string.
func isValidCommitString(commit string) bool {
	if len(commit) < 7 || len(commit) > 40 {
		return false
	}
	for _, r := range commit {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// handleCheckout is POST /api/checkout: submits a checkout node for a
// commit either inherited from an existing node or supplied directly
// as a tree URL/branch/commit triple, for regression-bisecting.
// Mirrors the `checkout` endpoint in full, including its validation
// ordering.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequestsTotal.WithLabelValues("/api/checkout", "received").Inc()

	claims, ok := s.validatePermissions(authHeader(r), "checkout")
	if !ok || claims.Email == "" {
		metrics.CallbackAuthFailuresTotal.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	var req manualCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error decoding JSON"})
		return
	}

	ctx := r.Context()
	s.logger.Info().Str("email", claims.Email).Str("node_id", req.NodeID).Str("commit", req.Commit).Msg("checking out custom commit")

	var treename, treeurl, branch, commit string
	var jobFilter, platformFilter []string

	if req.NodeID != "" {
		if !isValidCommitString(req.Commit) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid commit format"})
			return
		}
		node, err := s.api.GetNode(ctx, req.NodeID)
		if err != nil || node == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Node not found"})
			return
		}
		if node.Data.KernelRevision == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Node does not have kernel revision data"})
			return
		}
		treename = node.Data.KernelRevision.Tree
		treeurl = node.Data.KernelRevision.URL
		branch = node.Data.KernelRevision.Branch
		commit = req.Commit
		jobFilter, _ = s.jobFilterForNode(ctx, node)
	} else {
		if req.URL == "" || req.Branch == "" || req.Commit == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Missing tree URL, branch or commit"})
			return
		}
		if !isValidCommitString(req.Commit) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid commit format"})
			return
		}
		treename = s.catalog.FindTree(req.URL, req.Branch)
		if treename == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Tree not found"})
			return
		}
		treeurl, branch, commit = req.URL, req.Branch, req.Commit

		if len(req.JobFilter) > 0 {
			if len(req.JobFilter) > maxFilterLen {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Too many jobs in jobfilter"})
				return
			}
			for _, name := range req.JobFilter {
				if !s.catalog.HasJob(strings.TrimSuffix(name, "+")) {
					writeJSON(w, http.StatusNotFound, map[string]string{"message": "Job " + name + " not found"})
					return
				}
			}
			jobFilter = req.JobFilter
		}

		if len(req.PlatformFilter) > 0 {
			if len(req.PlatformFilter) > maxFilterLen {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Too many platforms in platformfilter"})
				return
			}
			for _, name := range req.PlatformFilter {
				if !s.catalog.HasPlatform(name) {
					writeJSON(w, http.StatusNotFound, map[string]string{"message": "Platform " + name + " not found"})
					return
				}
			}
			platformFilter = req.PlatformFilter
		}
	}

	timeout := nowDeadline()
	treeid := hashTreeID(treeurl, branch)

	node := &types.Node{
		Kind: types.KindCheckout,
		Name: "checkout",
		Path: []string{"checkout"},
		Data: types.NodeData{
			KernelRevision: &types.KernelRevision{
				Tree:        treename,
				Branch:      branch,
				Commit:      commit,
				URL:         treeurl,
				TipOfBranch: false,
			},
		},
		Timeout:   &timeout,
		Submitter: "user:" + claims.Email,
		TreeID:    treeid,
	}
	if len(jobFilter) > 0 {
		node.JobFilter = jobFilter
	}
	if len(platformFilter) > 0 {
		node.PlatformFilter = platformFilter
	}

	created, err := s.api.AddNode(ctx, node)
	if err != nil || created == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to submit checkout node"})
		return
	}

	s.logger.Info().Str("node_id", created.ID).Msg("checkout node submitted")
	writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "node": created})
}

// jobFilterForNode derives a (kbuild_name, job_name) jobfilter pair
// for a node that isn't itself a job, mirroring get_jobfilter.
func (s *Server) jobFilterForNode(ctx context.Context, node *types.Node) ([]string, error) {
	jobNode := node
	if node.Kind != types.KindJob {
		jn, err := scheduler.FindParentKind(ctx, s.api, node, types.KindJob)
		if err != nil {
			return nil, err
		}
		if jn == nil {
			return nil, nil
		}
		jobNode = jn
	}
	kbuild, err := scheduler.FindParentKind(ctx, s.api, node, types.KindKbuild)
	if err != nil {
		return nil, err
	}
	if kbuild == nil {
		return nil, nil
	}
	return []string{kbuild.Name, jobNode.Name}, nil
}

func hashTreeID(url, branch string) string {
	sum := sha256.Sum256([]byte(url + branch + time.Now().String()))
	return hex.EncodeToString(sum[:])
}
