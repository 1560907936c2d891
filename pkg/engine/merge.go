package engine

import "sort"

// MergeMaps returns a new map holding base overlaid with each source in
// turn. For a key present in several maps the last one wins. Nil maps are
// skipped. The result is never nil.
func MergeMaps(base map[string]string, merge map[string]string, more ...map[string]string) map[string]string {
	size := len(base) + len(merge)
	for _, m := range more {
		size += len(m)
	}

	out := make(map[string]string, size)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range merge {
		out[k] = v
	}
	for _, m := range more {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// MergeOutput folds one provider result into the project outputs.
//
// A nil result removes the provider entry. A result with properties is
// merged key by key into the existing entry, or inserted when there is none.
// A result without properties leaves the outputs untouched.
func MergeOutput(project *Project, providerID string, result *CommandResult) {
	if project.Outputs == nil {
		project.Outputs = make(map[string]map[string]string)
	}

	if result == nil {
		delete(project.Outputs, providerID)
		return
	}

	output := result.Output()
	if output == nil || len(output.Properties) == 0 {
		return
	}

	if existing, ok := project.Outputs[providerID]; ok {
		project.Outputs[providerID] = MergeMaps(existing, output.Properties)
		return
	}
	project.Outputs[providerID] = MergeMaps(nil, output.Properties)
}

// MergeOutputs folds a batch of provider results into the project outputs
// in provider id order.
func MergeOutputs(project *Project, results map[string]*CommandResult) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		MergeOutput(project, id, results[id])
	}
}
