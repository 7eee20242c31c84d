package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// tokenBytes 是会话令牌的随机字节数（256 位）。
const tokenBytes = 32

// Registry 在内存中记录会话令牌及其最近活跃时间。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	lifetime time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry 创建会话有效期为 lifetime 的注册表。
func NewRegistry(lifetime time.Duration) *Registry {
	return newRegistry(lifetime, time.Now)
}

func newRegistry(lifetime time.Duration, now func() time.Time) *Registry {
	return &Registry{
		sessions: make(map[string]time.Time),
		lifetime: lifetime,
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

// Create 生成新的随机令牌并登记当前时间。
func (r *Registry) Create() (string, error) {
	buf := make([]byte, tokenBytes)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate session token: %w", err)
		}
		token := hex.EncodeToString(buf)
		r.mu.Lock()
		if _, taken := r.sessions[token]; !taken {
			r.sessions[token] = r.now()
			r.mu.Unlock()
			return token, nil
		}
		r.mu.Unlock()
	}
}

// Validate 在令牌存在且未过期时刷新活跃时间并返回 true，过期令牌会被移除。
func (r *Registry) Validate(token string) bool {
	if token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.sessions[token]
	if !ok {
		return false
	}
	now := r.now()
	if now.Sub(last) > r.lifetime {
		delete(r.sessions, token)
		return false
	}
	r.sessions[token] = now
	return true
}

// Revoke 删除指定令牌。
func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	delete(r.sessions, token)
	r.mu.Unlock()
}

// Len 返回当前登记的会话数（含尚未清理的过期会话）。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep 清理所有过期会话并返回清理数量。
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for token, last := range r.sessions {
		if now.Sub(last) > r.lifetime {
			delete(r.sessions, token)
			removed++
		}
	}
	return removed
}

// StartSweeper 启动周期清理协程，interval 不大于 0 时不启动。
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Close 停止清理协程。
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
