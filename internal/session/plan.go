package session

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GroupPlan is one planned task group.
type GroupPlan struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	BranchRef   string `yaml:"branch_ref"`
	Acceptance  string `yaml:"acceptance"`
}

// DepPlan is a planned blocking relationship between task groups.
type DepPlan struct {
	GroupID   string `yaml:"group_id"`
	BlockedBy string `yaml:"blocked_by"`
}

// Plan is the full input for creating a session.
type Plan struct {
	Groups []GroupPlan `yaml:"groups"`
	Deps   []DepPlan   `yaml:"deps"`
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read plan %s: %w", path, err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("session: parse plan %s: %w", path, err)
	}
	return &plan, nil
}

// ValidatePlan checks that a plan is structurally valid.
// Returns a list of validation errors (empty if valid).
func ValidatePlan(plan *Plan) []string {
	if plan == nil {
		return []string{"plan is nil"}
	}

	var errs []string

	if len(plan.Groups) == 0 {
		errs = append(errs, "plan has no task groups")
	}

	ids := make(map[string]bool)
	for i, g := range plan.Groups {
		if g.ID == "" {
			errs = append(errs, fmt.Sprintf("groups[%d]: ID is required", i))
		}
		if g.Description == "" {
			errs = append(errs, fmt.Sprintf("groups[%d] (%s): description is required", i, g.ID))
		}
		if g.Acceptance == "" {
			errs = append(errs, fmt.Sprintf("groups[%d] (%s): acceptance criteria required", i, g.ID))
		}
		if ids[g.ID] {
			errs = append(errs, fmt.Sprintf("groups[%d]: duplicate ID %q", i, g.ID))
		}
		ids[g.ID] = true
	}

	for i, d := range plan.Deps {
		if d.GroupID == "" {
			errs = append(errs, fmt.Sprintf("deps[%d]: group_id is required", i))
		}
		if d.BlockedBy == "" {
			errs = append(errs, fmt.Sprintf("deps[%d]: blocked_by is required", i))
		}
		if d.GroupID != "" && !ids[d.GroupID] {
			errs = append(errs, fmt.Sprintf("deps[%d]: group %q not found in plan", i, d.GroupID))
		}
		if d.BlockedBy != "" && !ids[d.BlockedBy] {
			errs = append(errs, fmt.Sprintf("deps[%d]: blocked_by %q not found in plan", i, d.BlockedBy))
		}
		if d.GroupID == d.BlockedBy {
			errs = append(errs, fmt.Sprintf("deps[%d]: group %q cannot depend on itself", i, d.GroupID))
		}
	}

	if cycle := DetectCycle(plan.Deps); cycle != nil {
		errs = append(errs, fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")))
	}

	return errs
}

// DetectCycle checks for cycles in the dependency graph.
// Returns the cycle path if found, nil if no cycle.
func DetectCycle(deps []DepPlan) []string {
	graph := make(map[string][]string)
	for _, d := range deps {
		graph[d.GroupID] = append(graph[d.GroupID], d.BlockedBy)
	}

	nodes := make(map[string]bool)
	for _, d := range deps {
		nodes[d.GroupID] = true
		nodes[d.BlockedBy] = true
	}

	// DFS with coloring: 0=unvisited, 1=in-progress, 2=done
	color := make(map[string]int)
	parent := make(map[string]string)

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = 1
		for _, next := range graph[node] {
			if color[next] == 1 {
				path := []string{next, node}
				for cur := node; cur != next; {
					cur = parent[cur]
					if cur == "" {
						break
					}
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			if color[next] == 0 {
				parent[next] = node
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = 2
		return nil
	}

	for node := range nodes {
		if color[node] == 0 {
			if cycle := dfs(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
