package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ActionCategory groups system_control actions.
type ActionCategory string

const (
	CategoryServer    ActionCategory = "server"
	CategoryFramework ActionCategory = "framework"
	CategoryGates     ActionCategory = "gates"
	CategoryOverride  ActionCategory = "override"
	CategorySessions  ActionCategory = "sessions"
)

// ActionMetadata describes one system_control action.
type ActionMetadata struct {
	// Name is the action selector, e.g. "framework.switch".
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    ActionCategory `json:"category"`
	// Params lists the input fields the action reads.
	Params   []string `json:"params,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// ActionRegistry holds the metadata of every system_control action. The
// help action searches it.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]*ActionMetadata
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]*ActionMetadata)}
}

// Register adds an action. Entries without a name are ignored.
func (r *ActionRegistry) Register(a *ActionMetadata) {
	if a == nil || a.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name] = a
}

// RegisterAll adds multiple actions.
func (r *ActionRegistry) RegisterAll(actions []*ActionMetadata) {
	for _, a := range actions {
		r.Register(a)
	}
}

// Get returns the metadata for name.
func (r *ActionRegistry) Get(name string) (*ActionMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// List returns every action sorted by name.
func (r *ActionRegistry) List() []*ActionMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ActionMetadata, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every action name sorted.
func (r *ActionRegistry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, a := range list {
		names[i] = a.Name
	}
	return names
}

// ListByCategory returns the actions in category sorted by name.
func (r *ActionRegistry) ListByCategory(category ActionCategory) []*ActionMetadata {
	var out []*ActionMetadata
	for _, a := range r.List() {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out
}

// Count returns the number of registered actions.
func (r *ActionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// SearchResult is an action matched by Search.
type SearchResult struct {
	Action *ActionMetadata `json:"action"`

	// Score indicates match quality (higher is better).
	// 3 = exact name match
	// 2 = name contains query
	// 1 = description/keywords match
	Score int `json:"score"`

	MatchReason string `json:"match_reason"`
}

// Search finds actions matching query, case-insensitively, against names,
// descriptions and keywords. A query that compiles as a regular expression
// is also matched as one. Results are ordered by score, then name.
func (r *ActionRegistry) Search(query string) []*SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	queryLower := strings.ToLower(query)

	var regex *regexp.Regexp
	if re, err := regexp.Compile("(?i)" + query); err == nil {
		regex = re
	}

	var results []*SearchResult
	for _, a := range r.List() {
		if res := match(a, queryLower, regex); res != nil {
			results = append(results, res)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func match(a *ActionMetadata, queryLower string, regex *regexp.Regexp) *SearchResult {
	nameLower := strings.ToLower(a.Name)
	switch {
	case nameLower == queryLower:
		return &SearchResult{Action: a, Score: 3, MatchReason: "exact name match"}
	case strings.Contains(nameLower, queryLower):
		return &SearchResult{Action: a, Score: 2, MatchReason: "name contains query"}
	case regex != nil && regex.MatchString(a.Name):
		return &SearchResult{Action: a, Score: 2, MatchReason: "name matches pattern"}
	case strings.Contains(strings.ToLower(a.Description), queryLower):
		return &SearchResult{Action: a, Score: 1, MatchReason: "description contains query"}
	case regex != nil && regex.MatchString(a.Description):
		return &SearchResult{Action: a, Score: 1, MatchReason: "description matches pattern"}
	}
	for _, kw := range a.Keywords {
		if strings.Contains(strings.ToLower(kw), queryLower) || (regex != nil && regex.MatchString(kw)) {
			return &SearchResult{Action: a, Score: 1, MatchReason: "keyword match"}
		}
	}
	return nil
}

// DefaultActions is the system_control action table.
func DefaultActions() []*ActionMetadata {
	return []*ActionMetadata{
		{Name: "help", Category: CategoryServer, Params: []string{"query"},
			Description: "List system_control actions, or search them by query"},
		{Name: "status", Category: CategoryServer,
			Description: "Show framework state, gate switch and session counts", Keywords: []string{"health", "info"}},
		{Name: "framework.list", Category: CategoryFramework,
			Description: "List registered methodologies and mark the active one", Keywords: []string{"methodology"}},
		{Name: "framework.switch", Category: CategoryFramework, Params: []string{"id", "reason"},
			Description: "Make a methodology the global default", Keywords: []string{"methodology", "active"}},
		{Name: "framework.enable", Category: CategoryFramework,
			Description: "Turn the framework system on"},
		{Name: "framework.disable", Category: CategoryFramework,
			Description: "Turn the framework system off; %guided and %framework still apply"},
		{Name: "gates.enable", Category: CategoryGates,
			Description: "Turn gate enforcement on"},
		{Name: "gates.disable", Category: CategoryGates,
			Description: "Turn gate enforcement off for every request", Keywords: []string{"validation"}},
		{Name: "override.set", Category: CategoryOverride, Params: []string{"id"},
			Description: "Set an admin methodology override above the global default", Keywords: []string{"methodology", "admin"}},
		{Name: "override.clear", Category: CategoryOverride,
			Description: "Remove the admin methodology override", Keywords: []string{"admin"}},
		{Name: "sessions.list", Category: CategorySessions,
			Description: "List stored chain runs", Keywords: []string{"chain", "runs"}},
		{Name: "sessions.show", Category: CategorySessions, Params: []string{"chain_id"},
			Description: "Show one chain run with its step results", Keywords: []string{"chain", "inspect"}},
		{Name: "sessions.abort", Category: CategorySessions, Params: []string{"chain_id", "reason"},
			Description: "Abort a chain run", Keywords: []string{"chain", "cancel", "stop"}},
		{Name: "sessions.sweep", Category: CategorySessions,
			Description: "Remove chain runs idle past the stale threshold", Keywords: []string{"cleanup", "stale"}},
	}
}
