// Package types holds the shared data model exchanged with the
// central API: nodes, kernel revisions, telemetry events and the
// logspec error record.
package types

import (
	"encoding/json"
	"time"
)

// NodeState is the lifecycle state of a Node. Progression is
// monotone: running -> available -> closing -> done.
type NodeState string

const (
	StateRunning   NodeState = "running"
	StateAvailable NodeState = "available"
	StateClosing   NodeState = "closing"
	StateDone      NodeState = "done"
)

// AllPendingStates lists every state other than done, mirroring
// TimeoutService._pending_states.
var AllPendingStates = []NodeState{StateRunning, StateAvailable, StateClosing}

// NodeResult is only meaningful once State == StateDone.
type NodeResult string

const (
	ResultPass       NodeResult = "pass"
	ResultFail       NodeResult = "fail"
	ResultSkip       NodeResult = "skip"
	ResultIncomplete NodeResult = "incomplete"
)

// NodeKind identifies what a Node represents in the checkout/kbuild/
// job/test tree.
type NodeKind string

const (
	KindCheckout   NodeKind = "checkout"
	KindKbuild     NodeKind = "kbuild"
	KindJob        NodeKind = "job"
	KindTest       NodeKind = "test"
	KindRegression NodeKind = "regression"
	KindPatchset   NodeKind = "patchset"
)

// Error codes recorded in Node.Data.ErrorCode.
const (
	ErrorNodeTimeout      = "node_timeout"
	ErrorGitCheckoutFail  = "git_checkout_failure"
	ErrorJobGeneration    = "job_generation_error"
	ErrorInvalidJobParams = "invalid_job_params"
	ErrorSubmit           = "submit_error"
)

// KernelRevision describes the source tree a Node was built from.
type KernelRevision struct {
	Tree        string `json:"tree"`
	Branch      string `json:"branch"`
	URL         string `json:"url"`
	Commit      string `json:"commit"`
	Describe    string `json:"describe,omitempty"`
	Version     string `json:"version,omitempty"`
	Patchset    string `json:"patchset,omitempty"`
	TipOfBranch bool   `json:"tip_of_branch,omitempty"`
}

// NodeData carries the domain attributes of a Node, grouped under the
// node's "data" key as in the central API.
type NodeData struct {
	KernelRevision *KernelRevision `json:"kernel_revision,omitempty"`
	Platform       string          `json:"platform,omitempty"`
	Arch           string          `json:"arch,omitempty"`
	Runtime        string          `json:"runtime,omitempty"`
	JobID          string          `json:"job_id,omitempty"`
	Device         string          `json:"device,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMsg       string          `json:"error_msg,omitempty"`
	RetryCounter   int             `json:"retry_counter,omitempty"`
	TreePriority   int             `json:"tree_priority,omitempty"`
	// ArchitectureFilter, when set on the input node that triggered a
	// scheduling event, restricts which kbuild jobs may be created for
	// it (scheduler.py's node['data']['architecture_filter']).
	ArchitectureFilter []string      `json:"architecture_filter,omitempty"`
	Debug              map[string]any `json:"debug,omitempty"`
}

// Node is the single primary entity of the control plane.
type Node struct {
	ID     string   `json:"id,omitempty"`
	Kind   NodeKind `json:"kind"`
	Name   string   `json:"name"`
	Group  string   `json:"group,omitempty"`
	Path   []string `json:"path,omitempty"`
	Parent string   `json:"parent,omitempty"`

	State  NodeState  `json:"state"`
	Result NodeResult `json:"result,omitempty"`

	Created time.Time  `json:"created,omitzero"`
	Updated time.Time  `json:"updated,omitzero"`
	Timeout *time.Time `json:"timeout,omitempty"`
	Holdoff *time.Time `json:"holdoff,omitempty"`

	Artifacts map[string]string `json:"artifacts,omitempty"`
	Data      NodeData          `json:"data"`

	Owner      string   `json:"owner,omitempty"`
	Submitter  string   `json:"submitter,omitempty"`
	Usergroups []string `json:"usergroups,omitempty"`

	JobFilter      []string `json:"jobfilter,omitempty"`
	PlatformFilter []string `json:"platform_filter,omitempty"`

	TreeID string `json:"treeid,omitempty"`

	// Op, when set to "updated", marks a node payload that is being
	// republished rather than freshly created (job_retry.py convention).
	Op string `json:"op,omitempty"`
}

// IsStale reports whether the Node's timeout deadline has elapsed.
func (n *Node) IsStale(now time.Time) bool {
	return n.Timeout != nil && n.Timeout.Before(now)
}

// IsPending reports whether State is anything other than done.
func (n *Node) IsPending() bool {
	return n.State != StateDone
}

// Clone returns a shallow copy of n suitable for mutate-then-update
// call sites (the central API treats every update as a full replace).
func (n *Node) Clone() *Node {
	c := *n
	if n.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(n.Artifacts))
		for k, v := range n.Artifacts {
			c.Artifacts[k] = v
		}
	}
	if n.Data.Debug != nil {
		c.Data.Debug = make(map[string]any, len(n.Data.Debug))
		for k, v := range n.Data.Debug {
			c.Data.Debug[k] = v
		}
	}
	return &c
}

// TelemetryEvent is a single buffered telemetry record. Kind values
// observed in the original pipeline: job_submission, job_skip,
// job_result, test_result, runtime_error.
type TelemetryEvent struct {
	Kind      string
	Timestamp string
	Fields    map[string]any
}

// MarshalJSON flattens Kind/Timestamp alongside Fields for wire
// encoding, mirroring telemetry.py's event.update(kwargs) shape.
func (e TelemetryEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["kind"] = e.Kind
	out["ts"] = e.Timestamp
	return json.Marshal(out)
}
