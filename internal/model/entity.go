package model

import (
	"time"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation 对话记录
// 以 conversation:<id> 为 key 存储在 Redis，TTL 每次写入重置
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message 消息
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IsValidRole 检查消息角色是否有效
func IsValidRole(role string) bool {
	return role == RoleSystem || role == RoleUser || role == RoleAssistant
}
