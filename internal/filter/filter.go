package filter

import "github.com/ALT-F4-LLC/crate/internal/model"

// ToStringSet converts a slice of strings to a set for O(1) membership checks.
func ToStringSet(ss []string) map[string]struct{} {
	if len(ss) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		set[s] = struct{}{}
	}
	return set
}

// JobOptions narrows a job listing. Empty fields match everything.
type JobOptions struct {
	Statuses    []string
	Kinds       []string
	Deliverable string
}

// Jobs returns the jobs matching opts, keeping their order.
func Jobs(jobs []*model.Job, opts JobOptions) []*model.Job {
	statuses := ToStringSet(opts.Statuses)
	kinds := ToStringSet(opts.Kinds)

	out := make([]*model.Job, 0, len(jobs))
	for _, j := range jobs {
		if !inSet(statuses, string(j.Status)) || !inSet(kinds, string(j.Kind)) {
			continue
		}
		if opts.Deliverable != "" && j.Deliverable != opts.Deliverable {
			continue
		}
		out = append(out, j)
	}
	return out
}

// inSet treats a nil set as matching everything.
func inSet(set map[string]struct{}, v string) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}
