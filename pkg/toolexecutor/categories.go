package toolexecutor

import "strings"

// ToolCategory represents a category of tools
type ToolCategory string

const (
	// CategoryRead tools only observe local or remote state.
	CategoryRead ToolCategory = "read"
	// CategoryWrite tools persist an artifact (event, reminder, draft). Their
	// string arguments get placeholders restored before execution.
	CategoryWrite ToolCategory = "write"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{CategoryRead, CategoryWrite}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// FilterByCategory returns the definitions in a specific category, in
// registration order.
func (r *Registry) FilterByCategory(category ToolCategory) []ToolDefinition {
	var filtered []ToolDefinition
	for _, def := range r.Definitions() {
		if def.Category == category {
			filtered = append(filtered, def)
		}
	}
	return filtered
}
