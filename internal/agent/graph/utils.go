package graph

import (
	"sort"

	"github.com/chative/agent-runtime/internal/agent/graph/tools"
)

func sortedToolNames(m map[string]*tools.Tool) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
