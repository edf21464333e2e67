// Package reconciler implements the three lapsed-deadline sweepers that
// drive nodes to their terminal state when nothing else will: timeout
// (hard per-node deadline), holdoff (grace period after a node goes
// available) and closing (draining a node's remaining children before
// marking it done). Grounded on original_source/src/timeout.py in full.
package reconciler

import (
	"context"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/log"
	"github.com/kernelci/kci-pipeline/pkg/metrics"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/rs/zerolog"
)

// Mode selects which of the three sweeps a Reconciler runs.
type Mode string

const (
	ModeTimeout Mode = "timeout"
	ModeHoldoff Mode = "holdoff"
	ModeClosing Mode = "closing"
)

// Config configures a Reconciler.
type Config struct {
	Mode       Mode
	PollPeriod time.Duration // default 60s, mirrors timeout.py's --poll-period
}

// Reconciler runs one of the three sweeps in a loop until its context
// is canceled. Grounded on timeout.py's TimeoutService/Timeout/Holdoff/
// Closing class hierarchy: _get_pending_nodes, _count_running_child_nodes,
// _count_running_build_child_nodes, _get_child_nodes_recursive and
// _submit_lapsed_nodes are all carried over as methods below.
type Reconciler struct {
	api        apiclient.API
	mode       Mode
	pollPeriod time.Duration
	logger     zerolog.Logger

	username string
}

// New constructs a Reconciler. Call Run to start its sweep loop.
func New(api apiclient.API, cfg Config) *Reconciler {
	pollPeriod := cfg.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 60 * time.Second
	}
	return &Reconciler{
		api:        api,
		mode:       cfg.Mode,
		pollPeriod: pollPeriod,
		logger:     log.WithComponent("reconciler").With().Str("mode", string(cfg.Mode)).Logger(),
	}
}

// Run resolves the reconciler's own username (for the ownership filter)
// and then sweeps at PollPeriod intervals until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	username, err := r.api.Whoami(ctx)
	if err != nil {
		return err
	}
	r.username = username
	r.logger.Info().Str("username", username).Msg("reconciler starting")

	ticker := time.NewTicker(r.pollPeriod)
	defer ticker.Stop()

	if err := r.sweepOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("sweep failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sweepOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, string(r.mode))
	defer metrics.ReconciliationCyclesTotal.WithLabelValues(string(r.mode)).Inc()

	switch r.mode {
	case ModeTimeout:
		return r.sweepTimeout(ctx)
	case ModeHoldoff:
		return r.sweepHoldoff(ctx)
	case ModeClosing:
		return r.sweepClosing(ctx)
	default:
		return nil
	}
}

// getPendingNodes returns every non-done node matching filter and owned
// by this reconciler's account, mirroring _get_pending_nodes. The
// ownership filter is applied uniformly across all three modes here
// (the Python source only applied it in Timeout).
func (r *Reconciler) getPendingNodes(ctx context.Context, extra apiclient.Filter) (map[string]*types.Node, error) {
	out := make(map[string]*types.Node)
	for _, state := range types.AllPendingStates {
		filter := apiclient.Filter{"state": state}
		for k, v := range extra {
			filter[k] = v
		}
		nodes, err := r.api.FindNodes(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.Owner == r.username {
				out[n.ID] = n
			}
		}
	}
	return out, nil
}

// getAvailableNodes queries nodes directly in the available state whose
// holdoff deadline has passed, mirroring Holdoff._get_available_nodes
// (unlike getPendingNodes, this does not loop over every pending state
// since "available" is the only state holdoff ever sweeps).
func (r *Reconciler) getAvailableNodes(ctx context.Context) (map[string]*types.Node, error) {
	nodes, err := r.api.FindNodes(ctx, apiclient.Filter{
		"state":       string(types.StateAvailable),
		"holdoff__lt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		if n.Owner == r.username {
			out[n.ID] = n
		}
	}
	return out, nil
}

// countRunningChildNodes mirrors _count_running_child_nodes: the number
// of pending (non-done) direct children of parentID.
func (r *Reconciler) countRunningChildNodes(ctx context.Context, parentID string) (int, error) {
	count := 0
	for _, state := range types.AllPendingStates {
		n, err := r.api.CountNodes(ctx, apiclient.Filter{"parent": parentID, "state": state})
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

// countRunningBuildChildNodes mirrors _count_running_build_child_nodes:
// for a checkout node, "still running" also counts pending descendants
// of its kbuild grandchildren, not just direct children.
func (r *Reconciler) countRunningBuildChildNodes(ctx context.Context, checkoutID string) (int, error) {
	builds, err := r.api.FindNodes(ctx, apiclient.Filter{"parent": checkoutID, "kind": string(types.KindKbuild)})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, build := range builds {
		for _, state := range types.AllPendingStates {
			n, err := r.api.CountNodes(ctx, apiclient.Filter{"parent": build.ID, "state": state})
			if err != nil {
				return 0, err
			}
			count += n
		}
	}
	return count, nil
}

// getChildNodesRecursive walks every pending descendant of node into
// acc, optionally restricted to stateFilter at each level, mirroring
// _get_child_nodes_recursive.
func (r *Reconciler) getChildNodesRecursive(ctx context.Context, node *types.Node, acc map[string]*types.Node, stateFilter types.NodeState) error {
	children, err := r.getPendingNodes(ctx, apiclient.Filter{"parent": node.ID})
	if err != nil {
		return err
	}
	for id, child := range children {
		if stateFilter != "" && child.State != stateFilter {
			continue
		}
		acc[id] = child
		if err := r.getChildNodesRecursive(ctx, child, acc, stateFilter); err != nil {
			return err
		}
	}
	return nil
}

// getClosingNodes queries nodes directly in the closing state,
// mirroring Closing._get_closing_nodes.
func (r *Reconciler) getClosingNodes(ctx context.Context) (map[string]*types.Node, error) {
	nodes, err := r.api.FindNodes(ctx, apiclient.Filter{"state": string(types.StateClosing)})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		if n.Owner == r.username {
			out[n.ID] = n
		}
	}
	return out, nil
}

// lapseMode distinguishes the two _submit_lapsed_nodes call sites:
// TIMEOUT (hard deadline breach) vs DONE (holdoff/closing reaching
// their terminal state).
type lapseMode string

const (
	lapseTimeout lapseMode = "TIMEOUT"
	lapseDone    lapseMode = "DONE"
)

// submitLapsedNodes mutates every node in lapsed to newState and
// updates it via the API, applying the exact checkout special-casing
// from _submit_lapsed_nodes.
func (r *Reconciler) submitLapsedNodes(ctx context.Context, lapsed map[string]*types.Node, newState types.NodeState, lm lapseMode) {
	for id, node := range lapsed {
		update := node.Clone()
		update.State = newState

		if lm == lapseTimeout {
			if node.Kind == types.KindCheckout && node.State != types.StateRunning {
				update.Result = types.ResultPass
			} else {
				update.Result = types.ResultIncomplete
				update.Data.ErrorCode = types.ErrorNodeTimeout
				update.Data.ErrorMsg = "Node timed-out"
			}
		}

		if node.Kind == types.KindCheckout && lm == lapseDone {
			update.Result = types.ResultPass
		}

		r.logger.Debug().Str("node_id", id).Str("lapse_mode", string(lm)).Msg("submitting lapsed node")
		if _, err := r.api.UpdateNode(ctx, update); err != nil {
			r.logger.Error().Err(err).Str("node_id", id).Msg("failed to update lapsed node")
			continue
		}
		metrics.NodesTransitionedTotal.WithLabelValues(string(r.mode), string(newState)).Inc()
	}
}

// sweepTimeout is Timeout._run's body for one iteration: every node
// whose timeout deadline has passed, plus its whole pending subtree, is
// marked done.
func (r *Reconciler) sweepTimeout(ctx context.Context) error {
	pending, err := r.getPendingNodes(ctx, apiclient.Filter{
		"timeout__lt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	timeoutNodes := make(map[string]*types.Node)
	for id, node := range pending {
		timeoutNodes[id] = node
		if err := r.getChildNodesRecursive(ctx, node, timeoutNodes, ""); err != nil {
			return err
		}
	}
	r.submitLapsedNodes(ctx, timeoutNodes, types.StateDone, lapseTimeout)
	return nil
}

// sweepHoldoff is Holdoff._run's body: available nodes whose holdoff
// deadline has passed either still have running children (move to
// closing, dragging their available descendants along) or are ready to
// be marked done outright.
func (r *Reconciler) sweepHoldoff(ctx context.Context) error {
	available, err := r.getAvailableNodes(ctx)
	if err != nil {
		return err
	}

	closingNodes := make(map[string]*types.Node)
	timeoutNodes := make(map[string]*types.Node)

	for id, node := range available {
		running, err := r.countRunningChildNodes(ctx, id)
		if err != nil {
			return err
		}
		if running > 0 {
			closingNodes[id] = node
			if err := r.getChildNodesRecursive(ctx, node, closingNodes, types.StateAvailable); err != nil {
				return err
			}
			continue
		}
		if node.Kind == types.KindCheckout {
			buildRunning, err := r.countRunningBuildChildNodes(ctx, id)
			if err != nil {
				return err
			}
			if buildRunning == 0 {
				timeoutNodes[id] = node
				if err := r.getChildNodesRecursive(ctx, node, timeoutNodes, ""); err != nil {
					return err
				}
			}
		} else {
			timeoutNodes[id] = node
			if err := r.getChildNodesRecursive(ctx, node, timeoutNodes, ""); err != nil {
				return err
			}
		}
	}

	r.submitLapsedNodes(ctx, closingNodes, types.StateClosing, lapseDone)
	r.submitLapsedNodes(ctx, timeoutNodes, types.StateDone, lapseDone)
	return nil
}

// sweepClosing is Closing._run's body: nodes already in the closing
// state are promoted to done once they have no pending children left
// (with the same checkout grandchild special-casing as holdoff).
func (r *Reconciler) sweepClosing(ctx context.Context) error {
	closing, err := r.getClosingNodes(ctx)
	if err != nil {
		return err
	}

	doneNodes := make(map[string]*types.Node)
	for id, node := range closing {
		running, err := r.countRunningChildNodes(ctx, id)
		if err != nil {
			return err
		}
		if running > 0 {
			continue
		}
		if node.Kind == types.KindCheckout {
			buildRunning, err := r.countRunningBuildChildNodes(ctx, id)
			if err != nil {
				return err
			}
			if buildRunning == 0 {
				doneNodes[id] = node
			}
		} else {
			doneNodes[id] = node
		}
	}

	r.submitLapsedNodes(ctx, doneNodes, types.StateDone, lapseDone)
	return nil
}
