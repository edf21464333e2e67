// Package apiclient is the single seam through which every service in
// this repository talks to the central API: a keyed document store of
// nodes with atomic update, a pub/sub event bus with subject-filtered
// subscriptions, and a telemetry sink.
package apiclient

import (
	"context"

	"github.com/kernelci/kci-pipeline/pkg/types"
)

// Filter is a node-query filter. Keys may be bare field names for
// equality, dotted paths for nested fields (e.g. "data.kernel_revision.tree"),
// or suffixed with one of the comparison operators below. A nil value
// matches JSON null.
type Filter map[string]any

// Comparison operator suffixes recognized by the central API, applied
// by appending them to a filter key: e.g. Filter{"timeout__lt": t}.
const (
	OpLT  = "__lt"
	OpGT  = "__gt"
	OpLTE = "__lte"
	OpGTE = "__gte"
	OpNE  = "__ne"
	OpRE  = "__re"
)

// PageSize is the page size used when FindNodes paginates internally.
const PageSize = 100

// API is the central API as consumed by every service in this
// repository. Implementations must be safe for concurrent use: the
// scheduler's per-channel consumer goroutines call the API concurrently,
// with no lock around the calls.
type API interface {
	// FindNodes returns every node matching filter, paginating
	// internally (limit PageSize) until an empty page is returned.
	FindNodes(ctx context.Context, filter Filter) ([]*types.Node, error)
	CountNodes(ctx context.Context, filter Filter) (int, error)
	GetNode(ctx context.Context, id string) (*types.Node, error)
	AddNode(ctx context.Context, node *types.Node) (*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) (*types.Node, error)

	// SendEvent publishes a synthetic event carrying node as its data,
	// used by the job-retry republish convention and the manual
	// checkout/patchset/jobretry ingester endpoints.
	SendEvent(ctx context.Context, channel string, node *types.Node) error

	// Subscribe opens a filtered subscription against channel and
	// returns an opaque subscription id.
	Subscribe(ctx context.Context, channel string, filter Filter) (string, error)
	Unsubscribe(ctx context.Context, subID string) error

	// ReceiveEvent blocks, with an internal short poll timeout, until
	// the next event on subID arrives or the context is canceled.
	// ErrTimeout is returned (not a fatal error) when the poll window
	// elapses with no event, so callers can update watchdog heartbeats
	// without treating it as a receive failure.
	ReceiveEvent(ctx context.Context, subID string) (*types.Node, error)

	AddTelemetry(ctx context.Context, events []types.TelemetryEvent) error

	// Whoami returns the username the API token authenticates as,
	// used by the reconcilers' ownership filter.
	Whoami(ctx context.Context) (string, error)
}
