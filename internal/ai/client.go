package ai

import (
	"context"
	"errors"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"relay/internal/ai/component"
	"relay/internal/config"
	"relay/internal/model"
)

// ErrUpstream 上游补全服务失败
// 瞬时还是永久不在此区分，统一视为上游不可用
var ErrUpstream = errors.New("completion upstream error")

// CompletionOptions 单次补全参数，零值使用配置默认值
type CompletionOptions struct {
	MaxTokens   int
	Temperature *float64
}

// CompletionResult 补全结果
type CompletionResult struct {
	Content string
	Model   string
	Usage   *model.TokenUsage
}

// Client AI 能力层客户端
// 职责: 封装上游 ChatModel，提供统一的补全接口
type Client struct {
	cfg       *config.AIConfig
	chatModel einomodel.ChatModel
}

// NewClient 创建 AI 客户端
func NewClient(ctx context.Context, cfg *config.AIConfig) (*Client, error) {
	if cfg.APIKey == "" {
		log.Warn().Msg("AI API key not configured, upstream calls will fail")
	}

	chatModel, err := component.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return &Client{
		cfg:       cfg,
		chatModel: chatModel,
	}, nil
}

// Complete 同步补全
// 传入完整的消息序列（含系统消息），返回助手回复
func (c *Client) Complete(ctx context.Context, messages []model.Message, opts CompletionOptions) (*CompletionResult, error) {
	input := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		input = append(input, &schema.Message{
			Role:    schema.RoleType(msg.Role),
			Content: msg.Content,
		})
	}

	var modelOpts []einomodel.Option
	if opts.MaxTokens > 0 {
		modelOpts = append(modelOpts, einomodel.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		modelOpts = append(modelOpts, einomodel.WithTemperature(float32(*opts.Temperature)))
	}

	resp, err := c.chatModel.Generate(ctx, input, modelOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp == nil || resp.Content == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrUpstream)
	}

	result := &CompletionResult{
		Content: resp.Content,
		Model:   c.cfg.Model,
	}

	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		result.Usage = &model.TokenUsage{
			PromptTokens:     resp.ResponseMeta.Usage.PromptTokens,
			CompletionTokens: resp.ResponseMeta.Usage.CompletionTokens,
			TotalTokens:      resp.ResponseMeta.Usage.TotalTokens,
		}
	}

	return result, nil
}
