package scheduler

import (
	"context"
	"fmt"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// jobRetryWatcherName is the watchdog heartbeat key for
// runJobRetryWatcher.
const jobRetryWatcherName = "job_retry"

// maxRetryCount is the retry ceiling: a node already at this count is
// never retried again, mirroring job_retry.py's `retry_counter >= 3`
// check — retry is refused after 3 attempts.
const maxRetryCount = 3

// runJobRetryWatcher subscribes to done/incomplete kbuild and job
// nodes and republishes their *parent* onto the "retry" channel with
// a bumped jobfilter, exactly mirroring job_retry.py's Service in
// full: the retry is expressed as republishing the parent (not the
// failed child) with a new jobfilter/platform_filter/retry_counter,
// a deliberate choice to preserve that behavior verbatim.
func (s *Scheduler) runJobRetryWatcher(ctx context.Context) error {
	subID, err := s.api.Subscribe(ctx, "node", apiclient.Filter{
		"state":  string(types.StateDone),
		"result": string(types.ResultIncomplete),
	})
	if err != nil {
		return fmt.Errorf("initial subscribe failed: %w", err)
	}
	defer s.api.Unsubscribe(context.Background(), subID)

	retries := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.touchHeartbeat(jobRetryWatcherName)
		node, err := s.api.ReceiveEvent(ctx, subID)
		if err == apiclient.ErrTimeout {
			continue
		}
		if err != nil {
			retries++
			s.logger.Warn().Err(err).Int("retry", retries).Msg("job retry watcher receive failed, resubscribing")
			if retries > s.cfg.MaxResubscribeRetries {
				return fmt.Errorf("exhausted %d resubscribe attempts: %w", s.cfg.MaxResubscribeRetries, err)
			}
			newSub, subErr := s.api.Subscribe(ctx, "node", apiclient.Filter{
				"state":  string(types.StateDone),
				"result": string(types.ResultIncomplete),
			})
			if subErr != nil {
				continue
			}
			subID = newSub
			continue
		}
		retries = 0

		if node.Kind != types.KindJob && node.Kind != types.KindKbuild {
			continue
		}
		s.maybeRetry(ctx, node)
	}
}

// maybeRetry applies the retry ceiling and parent lookup, then
// publishes the retry request to the "retry" channel.
func (s *Scheduler) maybeRetry(ctx context.Context, node *types.Node) {
	retryCounter := node.Data.RetryCounter
	if retryCounter >= maxRetryCount {
		s.logger.Info().Str("node_id", node.ID).Int("retry_counter", retryCounter).Msg("retry ceiling reached, not retrying")
		return
	}

	var parentKind types.NodeKind
	switch node.Kind {
	case types.KindJob:
		parentKind = types.KindKbuild
	case types.KindKbuild:
		parentKind = types.KindCheckout
	default:
		return
	}

	parent, err := FindParentKind(ctx, s.api, node, parentKind)
	if err != nil {
		s.logger.Error().Err(err).Str("node_id", node.ID).Msg("job retry: parent lookup failed")
		return
	}
	if parent == nil {
		s.logger.Error().Str("node_id", node.ID).Msg("job retry: parent not found")
		return
	}

	eventData := parent.Clone()
	if node.Kind == types.KindKbuild {
		eventData.JobFilter = []string{node.Name + "+"}
	} else {
		eventData.JobFilter = []string{node.Name}
	}
	eventData.State = types.StateAvailable
	if node.Kind == types.KindJob {
		eventData.PlatformFilter = []string{node.Data.Platform}
	}
	eventData.Data.RetryCounter = retryCounter + 1
	if eventData.Data.Debug == nil {
		eventData.Data.Debug = make(map[string]any, 1)
	}
	eventData.Data.Debug["retry_by"] = node.ID

	if err := s.api.SendEvent(ctx, "retry", eventData); err != nil {
		s.logger.Error().Err(err).Str("node_id", node.ID).Msg("job retry: failed to publish retry event")
		return
	}
	s.logger.Info().Str("node_id", node.ID).Str("parent_id", parent.ID).Msg("job retry submitted")
}

// FindParentKind walks up node's parent chain until it finds a node
// of kind, or returns nil if the chain ends first. Mirrors
// lava_callback.py/job_retry.py's find_parent_kind, also used by the
// ingester's own retry/jobretry endpoints.
func FindParentKind(ctx context.Context, api apiclient.API, node *types.Node, kind types.NodeKind) (*types.Node, error) {
	if node.Parent == "" {
		return nil, nil
	}
	parent, err := api.GetNode(ctx, node.Parent)
	if err != nil {
		return nil, err
	}
	if parent.Kind == kind {
		return parent, nil
	}
	return FindParentKind(ctx, api, parent, kind)
}
