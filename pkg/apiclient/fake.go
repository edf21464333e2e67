package apiclient

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kernelci/kci-pipeline/pkg/events"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// FakeAPI is an in-memory implementation of API for unit tests,
// built on pkg/events.Broker's publish/subscribe shape backing a
// plain map keyed by node id.
type FakeAPI struct {
	mu       sync.RWMutex
	nodes    map[string]*types.Node
	broker   *events.Broker
	subs     map[string]events.Subscriber
	username string
	telemetry []types.TelemetryEvent
}

// NewFakeAPI creates an empty FakeAPI authenticating as username.
func NewFakeAPI(username string) *FakeAPI {
	return &FakeAPI{
		nodes:    make(map[string]*types.Node),
		broker:   events.NewBroker(),
		subs:     make(map[string]events.Subscriber),
		username: username,
	}
}

// Seed inserts node directly into the store, bypassing AddNode's id
// assignment, for test setup.
func (f *FakeAPI) Seed(node *types.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[node.ID] = node
}

func matchesFilter(n *types.Node, filter Filter) bool {
	for key, want := range filter {
		field, op := splitOp(key)
		got := fieldValue(n, field)
		if !compare(got, want, op) {
			return false
		}
	}
	return true
}

func splitOp(key string) (string, string) {
	for _, op := range []string{OpLT, OpGT, OpLTE, OpGTE, OpNE, OpRE} {
		if strings.HasSuffix(key, op) {
			return strings.TrimSuffix(key, op), op
		}
	}
	return key, ""
}

func fieldValue(n *types.Node, field string) any {
	switch field {
	case "id":
		return n.ID
	case "kind":
		return string(n.Kind)
	case "state":
		return string(n.State)
	case "result":
		return string(n.Result)
	case "parent":
		return n.Parent
	case "owner":
		return n.Owner
	case "timeout":
		if n.Timeout == nil {
			return nil
		}
		return n.Timeout.Format("2006-01-02T15:04:05Z07:00")
	case "holdoff":
		if n.Holdoff == nil {
			return nil
		}
		return n.Holdoff.Format("2006-01-02T15:04:05Z07:00")
	case "data.kernel_revision.tree":
		if n.Data.KernelRevision == nil {
			return ""
		}
		return n.Data.KernelRevision.Tree
	}
	return nil
}

func compare(got, want any, op string) bool {
	if want == nil {
		return got == nil
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	switch op {
	case "":
		return got == want
	case OpNE:
		return got != want
	case OpLT:
		if gok && wok {
			return gs < ws
		}
	case OpGT:
		if gok && wok {
			return gs > ws
		}
	case OpLTE:
		if gok && wok {
			return gs <= ws
		}
	case OpGTE:
		if gok && wok {
			return gs >= ws
		}
	case OpRE:
		if gok && wok {
			return strings.Contains(gs, ws)
		}
	}
	return false
}

func (f *FakeAPI) FindNodes(ctx context.Context, filter Filter) ([]*types.Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []*types.Node
	for _, n := range f.nodes {
		if matchesFilter(n, filter) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeAPI) CountNodes(ctx context.Context, filter Filter) (int, error) {
	nodes, err := f.FindNodes(ctx, filter)
	return len(nodes), err
}

func (f *FakeAPI) GetNode(ctx context.Context, id string) (*types.Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("apiclient: node %s not found", id)
	}
	return n, nil
}

func (f *FakeAPI) AddNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	f.mu.Lock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	f.nodes[node.ID] = node
	f.mu.Unlock()

	f.broker.Publish("node", node)
	return node, nil
}

func (f *FakeAPI) UpdateNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	f.mu.Lock()
	if _, ok := f.nodes[node.ID]; !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("apiclient: node %s not found", node.ID)
	}
	f.nodes[node.ID] = node
	f.mu.Unlock()

	f.broker.Publish("node", node)
	return node, nil
}

func (f *FakeAPI) SendEvent(ctx context.Context, channel string, node *types.Node) error {
	f.broker.Publish(channel, node)
	return nil
}

func (f *FakeAPI) Subscribe(ctx context.Context, channel string, filter Filter) (string, error) {
	sub := f.broker.Subscribe(channel, func(n *types.Node) bool {
		return matchesFilter(n, filter)
	})
	f.mu.Lock()
	id := strconv.Itoa(len(f.subs) + 1)
	f.subs[id] = sub
	f.mu.Unlock()
	return id, nil
}

func (f *FakeAPI) Unsubscribe(ctx context.Context, subID string) error {
	f.mu.Lock()
	sub, ok := f.subs[subID]
	delete(f.subs, subID)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	f.broker.Unsubscribe(sub)
	return nil
}

func (f *FakeAPI) ReceiveEvent(ctx context.Context, subID string) (*types.Node, error) {
	f.mu.RLock()
	sub, ok := f.subs[subID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("apiclient: unknown subscription %s", subID)
	}
	select {
	case n, ok := <-sub:
		if !ok {
			return nil, fmt.Errorf("apiclient: subscription %s closed", subID)
		}
		return n, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	default:
		return nil, ErrTimeout
	}
}

func (f *FakeAPI) AddTelemetry(ctx context.Context, events []types.TelemetryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, events...)
	return nil
}

func (f *FakeAPI) Telemetry() []types.TelemetryEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.TelemetryEvent, len(f.telemetry))
	copy(out, f.telemetry)
	return out
}

func (f *FakeAPI) Whoami(ctx context.Context) (string, error) {
	return f.username, nil
}

var _ API = (*FakeAPI)(nil)
