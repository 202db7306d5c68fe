package registry

import (
	"fmt"
	"regexp"
)

// ValidationError carries a machine-readable code so clients can fix the
// request instead of parsing messages.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

var (
	agentIDPattern      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	capabilityPattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	functionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,127}$`)
)

// ValidateRegistration checks an incoming registration snapshot. Identity and
// capability names are validated up front so bad rows never reach the store.
func ValidateRegistration(req *AgentRegistration) error {
	if req.AgentID == "" {
		return &ValidationError{Field: "agent_id", Code: "missing_agent_id",
			Message: "agent_id is required"}
	}
	if !agentIDPattern.MatchString(req.AgentID) {
		return &ValidationError{Field: "agent_id", Code: "invalid_agent_id",
			Message: "agent_id must start alphanumeric and contain only [a-zA-Z0-9_.-]"}
	}

	seen := make(map[string]struct{}, len(req.Tools))
	for i, tool := range req.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if tool.FunctionName == "" {
			return &ValidationError{Field: field + ".function_name",
				Code: "missing_function_name", Message: "function_name is required"}
		}
		if !functionNamePattern.MatchString(tool.FunctionName) {
			return &ValidationError{Field: field + ".function_name",
				Code: "invalid_function_name",
				Message: fmt.Sprintf("invalid function name %q", tool.FunctionName)}
		}
		if _, dup := seen[tool.FunctionName]; dup {
			return &ValidationError{Field: field + ".function_name",
				Code:    "duplicate_function_name",
				Message: fmt.Sprintf("function %q declared more than once", tool.FunctionName)}
		}
		seen[tool.FunctionName] = struct{}{}

		if tool.Capability == "" {
			return &ValidationError{Field: field + ".capability",
				Code: "missing_capability", Message: "capability is required"}
		}
		if !capabilityPattern.MatchString(tool.Capability) {
			return &ValidationError{Field: field + ".capability",
				Code:    "invalid_capability",
				Message: fmt.Sprintf("invalid capability name %q", tool.Capability)}
		}

		for j, dep := range tool.Dependencies {
			if dep.Capability == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("%s.dependencies[%d].capability", field, j),
					Code:    "missing_dependency_capability",
					Message: "dependency capability is required"}
			}
		}
	}

	return nil
}
