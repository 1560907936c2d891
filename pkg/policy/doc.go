// Package policy provides Open Policy Agent (OPA) integration for TeamCloud.
//
// Providers may carry a condition: a Rego rule body evaluated against the
// project a command targets. A provider applies to a project when the
// project type lists it and its condition, if any, holds.
//
// # Conditions
//
// A condition is written as the body of a rule. The evaluator wraps it into
// a module defining applies and evaluates data.teamcloud.condition.applies
// with this input:
//
//	{
//	    "project":  { ...project document... },
//	    "provider": { "id": "...", "properties": { ... } }
//	}
//
// For example:
//
//	input.project.tags.environment == "production"
//	lib.has_output("dns")
//
// Every line of a condition must hold.
//
// # Libraries
//
// The built-in module data.teamcloud.lib is imported as lib and offers
// has_tag, tag_equals, type_in, in_organization and has_output. Additional
// modules can be loaded from .rego files, or .json files carrying a name
// and rego source, with Evaluator.LoadPolicies; conditions refer to them by
// their full data path.
//
// # Usage
//
//	evaluator, err := policy.NewEvaluator(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ok, err := evaluator.Applicable(ctx, provider, project)
//
// Prepared queries are cached per condition text and dropped whenever a
// library is loaded.
package policy
