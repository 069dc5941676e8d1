package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 账户级分布式锁
// ============================================================================
//
// 同一积分账户的 earn / spend / refund / expire 必须串行：
//   goroutine1: 获取锁 -> 查询余额=100 -> 扣 100 -> 余额=0 -> 释放锁
//   goroutine2: 等待... -> 获取锁 -> 查询余额=0 -> 余额不足，拒绝
//
// 加锁：SET key owner NX PX ttl
// 释放：Lua 脚本比对 owner 后删除，避免误删别人的锁
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
	ErrNotHeld    = errors.New("锁不属于当前持有者")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 锁持有者标识
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁，失败后按 retryInterval 递增等待，最多 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	wait := retryInterval
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 8*retryInterval {
			wait += retryInterval
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// AccountLockKey 积分账户锁的 key
func AccountLockKey(accountID int64) string {
	return fmt.Sprintf("points:lock:account:%d", accountID)
}

// NewAccountLock 按账户维度加锁，不同账户之间可以并发记账
func NewAccountLock(client *redis.Client, accountID int64, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, AccountLockKey(accountID), owner, ttl)
}
