package schema

import "strings"

// Severity of a validation issue. Only errors make a graph invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue locates one problem in a graph document by path, e.g.
// "nodes[2].parameters.values" or "connections[0].target_node_id".
type ValidationIssue struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ValidationResult collects issues from every validation stage.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no errors were recorded.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// AddError records an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning records a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues after r's.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error carries code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// GraphResult is the outcome of validating a WorkflowGraph.
type GraphResult struct {
	ValidationResult
	// Cycle is the first cycle found, closed with its starting node (e.g. [a b c a]).
	Cycle []string `json:"cycle,omitempty"`
}

// Err folds an invalid result into a single VALIDATION_ERROR whose message
// lists every error. Returns nil when the graph is valid.
func (r *GraphResult) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		msgs = append(msgs, issue.Message)
	}
	details := map[string]any{"errors": r.Errors}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	if len(r.Cycle) > 0 {
		details["cycle"] = r.Cycle
	}
	return NewErrorf(ErrCodeValidation, "invalid workflow graph: %s", strings.Join(msgs, "; ")).
		WithDetails(details)
}
