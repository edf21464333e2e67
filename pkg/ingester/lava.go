package ingester

import (
	"strings"
	"unicode"

	"github.com/kernelci/kci-pipeline/pkg/types"
)

// lavaCallback wraps a raw decoded LAVA job-notification payload.
// kernelci.runtime.lava.Callback (the library lava_callback.py builds
// on) lives outside original_source as an external dependency; this
// is a from-scratch reconstruction of the subset of its contract
// lava_callback.py actually exercises (get_results, get_data,
// get_log_parser, get_job_status, get_device_id, get_meta,
// get_hierarchy, is_infra_error), not a line-for-line port — the same
// approach taken for get_schedule in the scheduler package.
type lavaCallback struct {
	raw map[string]any
}

func newLavaCallback(raw map[string]any) *lavaCallback {
	return &lavaCallback{raw: raw}
}

// meta looks up one entry from the payload's "meta" object, mirroring
// job_callback.get_meta(key).
func (c *lavaCallback) meta(key string) string {
	m, _ := c.raw["meta"].(map[string]any)
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// results returns the payload's flat test-name -> state map, mirroring
// job_callback.get_results() (upload markers included, popped by the
// caller the same way async_job_submit pops 'upload').
func (c *lavaCallback) results() map[string]string {
	out := make(map[string]string)
	res, _ := c.raw["results"].(map[string]any)
	for k, v := range res {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// logText returns the raw job log text, or "" if the payload carries
// none, mirroring a nil get_log_parser()/empty get_text().
func (c *lavaCallback) logText() string {
	s, _ := c.raw["log"].(string)
	return s
}

// jobStatus maps LAVA's status_string to a node result, mirroring
// job_callback.get_job_status().
func (c *lavaCallback) jobStatus() string {
	status, _ := c.raw["status_string"].(string)
	switch strings.ToLower(status) {
	case "complete":
		return string(types.ResultPass)
	case "incomplete":
		return string(types.ResultIncomplete)
	case "canceled", "cancelled":
		return string(types.ResultSkip)
	default:
		return string(types.ResultFail)
	}
}

// deviceID returns the LAVA device that ran the job, if reported.
func (c *lavaCallback) deviceID() string {
	s, _ := c.raw["actual_device_id"].(string)
	return s
}

// isInfraError reports whether LAVA flagged this result as an
// infrastructure failure rather than a test failure.
func (c *lavaCallback) isInfraError() bool {
	b, _ := c.raw["infrastructure_error"].(bool)
	return b
}

// hierarchyChild is one node in the test-result tree built from a
// callback's results, mirroring the {'node': {...}, 'child_nodes': [...]}
// shape job_callback.get_hierarchy() returns.
type hierarchyChild struct {
	Name   string
	Kind   string
	Result types.NodeResult
}

// hierarchy turns a flat results map into the list of test-result
// children _emit_test_results/api_helper.submit_results walk, skipping
// the synthetic "job" and "artifact-upload:*" entries handled
// elsewhere.
func (c *lavaCallback) hierarchy(results map[string]string) []hierarchyChild {
	var out []hierarchyChild
	for name, state := range results {
		if name == "job" || strings.HasPrefix(name, "artifact-upload:") {
			continue
		}
		out = append(out, hierarchyChild{Name: name, Kind: "test", Result: normalizeResult(state)})
	}
	return out
}

func normalizeResult(state string) types.NodeResult {
	switch strings.ToLower(state) {
	case "pass":
		return types.ResultPass
	case "skip":
		return types.ResultSkip
	case "fail":
		return types.ResultFail
	default:
		return types.ResultIncomplete
	}
}

// sanitizeLog replaces every non-printable rune other than newline
// with '?' and drops NUL bytes, mirroring LogSanitizer._TRANSLATION_TABLE.
func sanitizeLog(data string) string {
	if data == "" {
		return ""
	}
	data = strings.ReplaceAll(data, "\x00", "")
	var b strings.Builder
	b.Grow(len(data))
	for _, r := range data {
		if r == '\n' || unicode.IsPrint(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}
