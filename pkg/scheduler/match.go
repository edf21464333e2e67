package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/config"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// triggersMap says which job kinds a given node kind can spawn,
// mirroring the checkout -> kbuild -> job/test cascade the node graph
// describes. get_schedule itself (kernelci.scheduler.Scheduler in
// the original) lives outside original_source as a separate library
// dependency; this is a from-scratch policy grounded on that contract,
// not a line-for-line port.
var triggersMap = map[types.NodeKind][]string{
	types.KindCheckout: {"kbuild"},
	types.KindKbuild:   {"job", "test"},
	types.KindJob:      {"test"},
}

// Candidate is one (job, runtime, platform) tuple a policy match
// produced for an input node, mirroring the (job, runtime, platform,
// rules) tuples scheduler.py's get_schedule yields.
type Candidate struct {
	Job      config.JobConfig
	Runtime  config.RuntimeConfig
	Platform config.PlatformConfig
	Rules    map[string]any
}

// GetSchedule returns every (job, runtime, platform) candidate the
// catalog declares as eligible children of node's kind, pairing each
// job to every platform sharing its runtime's lab type.
func GetSchedule(cat *config.Catalog, node *types.Node) []Candidate {
	kinds, ok := triggersMap[node.Kind]
	if !ok {
		return nil
	}
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}

	var out []Candidate
	for _, job := range cat.Jobs {
		if !allowed[job.Kind] {
			continue
		}
		runtime, ok := cat.Runtimes[job.RuntimeName]
		if !ok {
			continue
		}
		for _, platform := range cat.Platforms {
			if platform.LabType != runtime.LabType {
				continue
			}
			out = append(out, Candidate{
				Job:      job,
				Runtime:  runtime,
				Platform: platform,
				Rules:    job.Params,
			})
		}
	}
	return out
}

// ShouldCreateNode is the create-rule check: a job-filter/platform-filter
// gate over the event's input node,
// mirroring api_helper.should_create_node's contract. An empty filter
// on the node allows everything; a non-empty filter admits only names
// it lists (a trailing "+" suffix, used by /api/checkout and
// /api/jobretry to mean "this job and its children", is matched as a
// prefix).
func ShouldCreateNode(c Candidate, node *types.Node) bool {
	if !filterAllows(node.JobFilter, c.Job.Name) {
		return false
	}
	if !filterAllows(node.PlatformFilter, c.Platform.Name) {
		return false
	}
	return true
}

func filterAllows(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		entry := f
		prefixOnly := false
		if len(entry) > 0 && entry[len(entry)-1] == '+' {
			entry = entry[:len(entry)-1]
			prefixOnly = true
		}
		if entry == name {
			return true
		}
		if prefixOnly && len(name) >= len(entry) && name[:len(entry)] == entry {
			return true
		}
	}
	return false
}

// VerifyArchitectureFilter is the architecture gate: only applies to
// kbuild candidates, and only when the input node carries an
// architecture_filter; the candidate's arch param must be
// listed, mirroring scheduler.py's _verify_architecture_filter.
func VerifyArchitectureFilter(c Candidate, node *types.Node) bool {
	if c.Job.Kind != "kbuild" {
		return true
	}
	if len(node.Data.ArchitectureFilter) == 0 {
		return true
	}
	arch, _ := c.Job.Params["arch"].(string)
	for _, a := range node.Data.ArchitectureFilter {
		if a == arch {
			return true
		}
	}
	return false
}

var freqRe = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?$`)

// TranslateFreq parses a duration string of the form `\d+d\d+h\d+m`
// (each component optional) into a time.Duration, mirroring
// scheduler.py's translate_freq. An unparsable string yields zero.
func TranslateFreq(freq string) time.Duration {
	m := freqRe.FindStringSubmatch(freq)
	if m == nil {
		return 0
	}
	var days, hours, minutes int
	fmt.Sscanf(m[1], "%d", &days)
	fmt.Sscanf(m[2], "%d", &hours)
	fmt.Sscanf(m[3], "%d", &minutes)
	return time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
}

// VerifyFrequency is the frequency gate: returns true (allow) when
// the job has no frequency param, the parsed
// duration is below 60s, or no prior job for the same
// (job_name, tree, branch, platform) was created within the window;
// false (skip) otherwise. Mirrors scheduler.py's _verify_frequency,
// which also fails open (allow) on any lookup error.
func VerifyFrequency(ctx context.Context, api apiclient.API, c Candidate, node *types.Node) (bool, error) {
	if c.Job.Frequency == "" {
		return true, nil
	}
	freqSec := TranslateFreq(c.Job.Frequency)
	if freqSec < 60*time.Second {
		return true, nil
	}
	if node.Data.KernelRevision == nil {
		return true, nil
	}
	since := time.Now().UTC().Add(-freqSec).Format(time.RFC3339)
	filter := apiclient.Filter{
		"name":                          c.Job.Name,
		"data.kernel_revision.tree":     node.Data.KernelRevision.Tree,
		"data.kernel_revision.branch":   node.Data.KernelRevision.Branch,
		"created__gte":                  since,
	}
	found, err := api.FindNodes(ctx, filter)
	if err != nil {
		return true, err
	}
	for _, n := range found {
		if n.Data.Platform == c.Platform.Name {
			return false, nil
		}
	}
	return true, nil
}
