package delivery

import "github.com/hanpama/graphserve/internal/language"

// Result is one unit of execution output: a complete response, one
// incremental patch, or one subscription event. Patch results carry
// Path/Label and the HasNext continuation flag.
type Result struct {
	Data       any                `json:"data,omitempty"`
	Errors     language.ErrorList `json:"errors,omitempty"`
	Extensions map[string]any     `json:"extensions,omitempty"`
	Label      string             `json:"label,omitempty"`
	Path       []any              `json:"path,omitempty"`
	HasNext    *bool              `json:"hasNext,omitempty"`
}

// Terminal reports whether r explicitly flags the end of its sequence.
// A result without a HasNext flag is not terminal.
func (r *Result) Terminal() bool { return r.HasNext != nil && !*r.HasNext }

// HasNext returns a pointer suitable for Result.HasNext.
func HasNext(v bool) *bool { return &v }
