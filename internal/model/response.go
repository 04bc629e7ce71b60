package model

// ChatResponse 对话响应
type ChatResponse struct {
	Message        string      `json:"message"`
	ConversationID string      `json:"conversation_id"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	Model          string      `json:"model"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// TokenUsage Token 使用统计
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RateLimitInfo 限流信息（429 响应附带）
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"`
}
