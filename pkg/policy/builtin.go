package policy

// LibraryPackage is the package of the built-in helper module. Conditions
// reference it as data.teamcloud.lib.
const LibraryPackage = "teamcloud.lib"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		libraryPolicy(),
	}
}

// libraryPolicy provides helpers over the project document.
func libraryPolicy() Policy {
	return Policy{
		Name:        "teamcloud-lib",
		Description: "Helpers for provider conditions over the project document",
		Rego: `package teamcloud.lib

import rego.v1

# has_tag holds when the project carries the tag key.
has_tag(key) if {
	input.project.tags[key]
}

# tag_equals holds when the project tag key has the given value.
tag_equals(key, value) if {
	input.project.tags[key] == value
}

# type_in holds when the project type is one of types.
type_in(types) if {
	input.project.type in types
}

# in_organization holds when the project belongs to org.
in_organization(org) if {
	lower(input.project.organization) == lower(org)
}

# has_output holds when provider already reported outputs for the project.
has_output(provider) if {
	count(input.project.outputs[provider]) > 0
}
`,
	}
}
