package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"relay/internal/ai"
	"relay/internal/model"
	"relay/internal/pkg/id"
	"relay/internal/repository"
)

// Completer 上游补全接口
// 由 ai.Client 实现，测试时可替换
type Completer interface {
	Complete(ctx context.Context, messages []model.Message, opts ai.CompletionOptions) (*ai.CompletionResult, error)
}

// ChatService 对话服务 - 业务逻辑层
// 职责: 编排对话存储和上游补全，实现一次完整的对话轮次
type ChatService struct {
	completer      Completer
	convRepo       *repository.ConversationRepo
	requestTimeout time.Duration
}

// NewChatService 创建对话服务
func NewChatService(completer Completer, convRepo *repository.ConversationRepo, requestTimeout time.Duration) *ChatService {
	return &ChatService{
		completer:      completer,
		convRepo:       convRepo,
		requestTimeout: requestTimeout,
	}
}

// Chat 处理一次对话轮次
//
// 流程: 1. 取历史 -> 2. 注入系统提示 -> 3. 持久化用户消息 -> 4. 调用上游 -> 5. 持久化助手回复
// 用户消息在上游调用之前落盘，上游失败或超时也不丢用户这一轮。
func (s *ChatService) Chat(ctx context.Context, userID string, req *model.ChatRequest) (*model.ChatResponse, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = id.New()
	}

	logger := log.With().Str("conversation_id", conversationID).Logger()

	// 1. 获取对话历史
	var messages []model.Message
	conv, err := s.convRepo.GetHistory(ctx, conversationID, 0)
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		// 新对话
	case err != nil:
		logger.Error().Err(err).Msg("failed to load conversation history")
		return nil, err
	default:
		if conv.UserID != "" && userID != "" && conv.UserID != userID {
			return nil, repository.ErrConversationNotFound
		}
		messages = conv.Messages
	}

	// 2. 系统提示注入（仅当序列为空或首条不是 system）
	if req.SystemPrompt != "" {
		inserted, err := s.convRepo.EnsureSystemPrompt(ctx, conversationID, userID, req.SystemPrompt)
		if err != nil {
			return nil, err
		}
		if inserted {
			sysMsg := model.Message{
				Role:      model.RoleSystem,
				Content:   req.SystemPrompt,
				Timestamp: time.Now(),
			}
			messages = append([]model.Message{sysMsg}, messages...)
		}
	}

	// 3. 持久化用户消息（必须在上游调用之前）
	userMsg := model.Message{
		Role:      model.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	}
	if err := s.convRepo.SaveMessage(ctx, conversationID, userID, userMsg); err != nil {
		logger.Error().Err(err).Msg("failed to save user message")
		return nil, err
	}
	messages = append(messages, userMsg)

	// 4. 调用上游，受超时约束
	cctx := ctx
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	result, err := s.completer.Complete(cctx, messages, ai.CompletionOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		logger.Error().Err(err).Msg("completion failed")
		return nil, err
	}

	// 5. 持久化助手回复
	assistantMsg := model.Message{
		Role:      model.RoleAssistant,
		Content:   result.Content,
		Timestamp: time.Now(),
	}
	if err := s.convRepo.SaveMessage(ctx, conversationID, userID, assistantMsg); err != nil {
		logger.Error().Err(err).Msg("failed to save assistant message")
		return nil, err
	}

	if result.Usage != nil {
		logger.Info().
			Int("prompt_tokens", result.Usage.PromptTokens).
			Int("completion_tokens", result.Usage.CompletionTokens).
			Msg("chat completed")
	} else {
		logger.Info().Msg("chat completed")
	}

	return &model.ChatResponse{
		Message:        result.Content,
		ConversationID: conversationID,
		Usage:          result.Usage,
		Model:          result.Model,
	}, nil
}

// GetHistory 查询对话历史
// 记录归属其他用户时按不存在处理
func (s *ChatService) GetHistory(ctx context.Context, userID, conversationID string, limit int) (*model.Conversation, error) {
	conv, err := s.convRepo.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	if conv.UserID != "" && userID != "" && conv.UserID != userID {
		return nil, repository.ErrConversationNotFound
	}
	return conv, nil
}

// Delete 删除对话，返回记录是否存在过
func (s *ChatService) Delete(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := s.convRepo.GetHistory(ctx, conversationID, 1)
	switch {
	case errors.Is(err, repository.ErrCorruptedConversation):
		// 损坏的记录直接删除
	case errors.Is(err, repository.ErrConversationNotFound):
		return false, nil
	case err != nil:
		return false, err
	default:
		if conv.UserID != "" && userID != "" && conv.UserID != userID {
			return false, nil
		}
	}

	return s.convRepo.Delete(ctx, conversationID)
}

// ListConversations 列出用户的对话 ID
func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]string, error) {
	return s.convRepo.ListIDs(ctx, userID)
}
