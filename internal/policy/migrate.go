package policy

import (
	"fmt"
	"regexp"
)

var versionLine = regexp.MustCompile(`(?m)^(\s*policy_version\s*:\s*)(?:"0"|'0'|0)(\s*(?:#.*)?)$`)

// MigrateV0Text rewrites a v0 policy document to v1 as a pure text edit:
// only the policy_version line changes, so formatting and comments
// survive. The input must validate as v0 and the output as v1.
func MigrateV0Text(data []byte) ([]byte, error) {
	src, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("source policy is invalid: %w", err)
	}
	if src.Version != "0" {
		return nil, fmt.Errorf("source policy is already version %s", src.Version)
	}

	loc := versionLine.FindSubmatchIndex(data)
	if loc == nil {
		return nil, fmt.Errorf("policy_version line not found in source text")
	}
	migrated := versionLine.ReplaceAll(data, []byte(`${1}"1"${2}`))

	if _, err := Parse(migrated); err != nil {
		return nil, fmt.Errorf("migrated policy failed validation: %w", err)
	}
	return migrated, nil
}
