package model

// Failure reasons reported back to the model in a ToolResult
const (
	ReasonInvalidArgs    = "invalid_args"
	ReasonUnknownTool    = "unknown_tool"
	ReasonExecutionError = "execution_error"
)

// ToolCall is a single function call requested by the chat model
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of executing a ToolCall
type ToolResult struct {
	Name    string         `json:"name"`
	Success bool           `json:"success"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Response converts the result into the payload returned to the model
func (r *ToolResult) Response() map[string]any {
	resp := map[string]any{"success": r.Success}
	if r.Reason != "" {
		resp["reason"] = r.Reason
	}
	if r.Message != "" {
		resp["message"] = r.Message
	}
	for k, v := range r.Data {
		resp[k] = v
	}
	return resp
}

// ToolTrace records one executed call within a conversation turn
type ToolTrace struct {
	Round  int        `json:"round"`
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}
