package cache

import (
	"sort"
	"strings"
)

// KeyPrefix namespaces every key written by the Manager.
const KeyPrefix = "episodes:gql"

// Key identifies a cached GraphQL response by operation and variables.
type Key struct {
	// Operation is the GraphQL operation name (e.g. "GetEpisodes")
	Operation string

	// Variables are the operation variables, already formatted as strings
	Variables map[string]string
}

// String generates a deterministic cache key string.
//
// Example:
//
//	episodes:gql:GetEpisodes:page=2
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if op := strings.TrimSpace(k.Operation); op != "" {
		parts = append(parts, op)
	}

	if len(k.Variables) > 0 {
		names := make([]string, 0, len(k.Variables))
		for name := range k.Variables {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+k.Variables[name])
		}
	}

	return strings.Join(parts, ":")
}
