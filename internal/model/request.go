package model

// ChatRequest 对话请求
type ChatRequest struct {
	Message        string   `json:"message" binding:"required"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}
