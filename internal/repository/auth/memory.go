package auth

import (
	"context"
	"sync"
	"time"

	"relay/internal/model/auth"
)

// MemoryUserRepo 内存用户仓库
// Mongo 未配置时的兜底实现，也用于测试。
// 生命周期随进程，不做持久化。
type MemoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]*auth.User // keyed by ID
}

// NewMemoryUserRepo 创建内存用户仓库
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		users: make(map[string]*auth.User),
	}
}

// Create 创建用户
func (r *MemoryUserRepo) Create(ctx context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	cp := *user
	r.users[user.ID] = &cp
	return nil
}

// FindByID 根据ID查询用户
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// FindByUsername 根据用户名查询用户
func (r *MemoryUserRepo) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if user.Username == username {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateLastLoginAt 更新最后登录时间
func (r *MemoryUserRepo) UpdateLastLoginAt(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	user.LastLoginAt = &now
	user.UpdatedAt = now
	return nil
}

// MemoryRefreshTokenRepo 内存RefreshToken仓库
type MemoryRefreshTokenRepo struct {
	mu     sync.RWMutex
	tokens map[string]*auth.RefreshToken // keyed by token value
}

// NewMemoryRefreshTokenRepo 创建内存RefreshToken仓库
func NewMemoryRefreshTokenRepo() *MemoryRefreshTokenRepo {
	return &MemoryRefreshTokenRepo{
		tokens: make(map[string]*auth.RefreshToken),
	}
}

// Create 创建RefreshToken
func (r *MemoryRefreshTokenRepo) Create(ctx context.Context, token *auth.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token.CreatedAt = time.Now()
	cp := *token
	r.tokens[token.Token] = &cp
	return nil
}

// FindByToken 根据Token值查询
func (r *MemoryRefreshTokenRepo) FindByToken(ctx context.Context, token string) (*auth.RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

// DeleteByToken 根据Token值删除
func (r *MemoryRefreshTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens, token)
	return nil
}
