package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/model"
	"relay/internal/pkg/cache"
	"relay/internal/pkg/keymutex"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrCorruptedConversation = errors.New("conversation record corrupted")
	ErrStoreUnavailable      = errors.New("conversation store unavailable")
	ErrInvalidRole           = errors.New("invalid message role")
)

// recordVersion 存储记录的 schema 版本
// 解析时严格校验，不认识的版本按损坏处理而不是静默兼容
const recordVersion = 1

// conversationRecord Redis 中的对话记录
type conversationRecord struct {
	Version        int             `json:"version"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Messages       []model.Message `json:"messages"`
}

// ConversationRepo 对话仓库
// 记录整体以 JSON 存储，读改写序列按对话 ID 进程内串行化，
// 避免并发首次请求互相覆盖。跨进程仍依赖 Redis 单 key 命令的原子性。
type ConversationRepo struct {
	client *redis.Client
	ttl    time.Duration
	locks  *keymutex.KeyMutex

	now func() time.Time
}

// NewConversationRepo 创建对话仓库
// ttl 为记录保留时长，每次写入重置
func NewConversationRepo(client *redis.Client, ttl time.Duration) *ConversationRepo {
	return &ConversationRepo{
		client: client,
		ttl:    ttl,
		locks:  keymutex.New(),
		now:    time.Now,
	}
}

// SaveMessage 追加消息
// 记录不存在时初始化，ownerID 只在初始化时落到记录和用户索引上。
// 写入会把 TTL 重置为完整保留时长。
func (r *ConversationRepo) SaveMessage(ctx context.Context, conversationID, ownerID string, msg model.Message) error {
	if !model.IsValidRole(msg.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	rec, err := r.load(ctx, conversationID)
	if err != nil {
		return err
	}

	now := r.now()
	created := false
	if rec == nil {
		rec = &conversationRecord{
			Version:        recordVersion,
			ConversationID: conversationID,
			UserID:         ownerID,
			CreatedAt:      now,
		}
		created = true
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	rec.Messages = append(rec.Messages, msg)
	rec.UpdatedAt = now

	if err := r.persist(ctx, rec); err != nil {
		return err
	}

	if created && rec.UserID != "" {
		if err := r.client.SAdd(ctx, cache.UserConversationsKey(rec.UserID), conversationID).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return nil
}

// EnsureSystemPrompt 在对话头部注入系统提示
// 仅当消息序列为空或首条不是 system 时插入，检查和插入对同一对话原子。
// 返回是否真正插入了系统消息。
func (r *ConversationRepo) EnsureSystemPrompt(ctx context.Context, conversationID, ownerID, prompt string) (bool, error) {
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	rec, err := r.load(ctx, conversationID)
	if err != nil {
		return false, err
	}

	if rec != nil && len(rec.Messages) > 0 && rec.Messages[0].Role == model.RoleSystem {
		return false, nil
	}

	now := r.now()
	created := false
	if rec == nil {
		rec = &conversationRecord{
			Version:        recordVersion,
			ConversationID: conversationID,
			UserID:         ownerID,
			CreatedAt:      now,
		}
		created = true
	}

	sysMsg := model.Message{
		Role:      model.RoleSystem,
		Content:   prompt,
		Timestamp: now,
	}
	rec.Messages = append([]model.Message{sysMsg}, rec.Messages...)
	rec.UpdatedAt = now

	if err := r.persist(ctx, rec); err != nil {
		return false, err
	}

	if created && rec.UserID != "" {
		if err := r.client.SAdd(ctx, cache.UserConversationsKey(rec.UserID), conversationID).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return true, nil
}

// GetHistory 查询对话历史
// limit > 0 时只返回最新的 limit 条，保留段内仍按时间从旧到新排列
func (r *ConversationRepo) GetHistory(ctx context.Context, conversationID string, limit int) (*model.Conversation, error) {
	rec, err := r.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrConversationNotFound
	}

	messages := rec.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	return &model.Conversation{
		ConversationID: rec.ConversationID,
		UserID:         rec.UserID,
		Messages:       messages,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

// Delete 删除对话，返回记录是否存在过
// 损坏的记录同样被删除，删除即是对损坏数据的处置手段
func (r *ConversationRepo) Delete(ctx context.Context, conversationID string) (bool, error) {
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	ownerID := ""
	rec, err := r.load(ctx, conversationID)
	switch {
	case errors.Is(err, ErrCorruptedConversation):
		// 继续删除
	case err != nil:
		return false, err
	case rec == nil:
		return false, nil
	default:
		ownerID = rec.UserID
	}

	deleted, err := r.client.Del(ctx, cache.ConversationKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if ownerID != "" {
		if err := r.client.SRem(ctx, cache.UserConversationsKey(ownerID), conversationID).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return deleted > 0, nil
}

// ListIDs 列出用户可见的对话 ID
// 只读用户自己的索引集合，TTL 过期的残留成员顺带清理
func (r *ConversationRepo) ListIDs(ctx context.Context, ownerID string) ([]string, error) {
	indexKey := cache.UserConversationsKey(ownerID)

	members, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, id := range members {
		exists[i] = pipe.Exists(ctx, cache.ConversationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var ids []string
	var stale []interface{}
	for i, id := range members {
		if exists[i].Val() > 0 {
			ids = append(ids, id)
		} else {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	sort.Strings(ids)
	return ids, nil
}

// load 读取记录，不存在返回 (nil, nil)
func (r *ConversationRepo) load(ctx context.Context, conversationID string) (*conversationRecord, error) {
	data, err := r.client.Get(ctx, cache.ConversationKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var rec conversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedConversation, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptedConversation, rec.Version)
	}
	if rec.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrCorruptedConversation)
	}

	return &rec, nil
}

// persist 写入记录并重置 TTL
func (r *ConversationRepo) persist(ctx context.Context, rec *conversationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, cache.ConversationKey(rec.ConversationID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
