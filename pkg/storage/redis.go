package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"fundcache/pkg/logger"
)

// RedisStoreConfig 远程存储配置
type RedisStoreConfig struct {
	Addr           string        `mapstructure:"addr"`            // Redis 地址
	Password       string        `mapstructure:"password"`        // 密码
	DB             int           `mapstructure:"db"`              // 数据库编号
	KeyPrefix      string        `mapstructure:"key_prefix"`      // 哈希键前缀
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // 连接超时
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 单次请求超时
	PoolSize       int           `mapstructure:"pool_size"`       // 连接池大小
	// 熔断器：连续失败 BreakerFailures 次后打开，BreakerTimeout 后进入半开
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// RedisStore 远程存储实现，每个分区对应一个 Redis 哈希 (<prefix>:<box>)。
// 所有调用经过熔断器，Redis 不可用时快速失败，上层将其视为未命中。
type RedisStore struct {
	mu      sync.RWMutex
	config  RedisStoreConfig
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

// NewRedisStore 创建远程存储
func NewRedisStore(config RedisStoreConfig) *RedisStore {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "fundcache"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	rs := &RedisStore{
		config: config,
		log:    logger.WithComponent("RedisStore"),
	}
	rs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-store",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			rs.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Redis 熔断器状态变化")
		},
	})
	return rs
}

// Open 建立连接并检查可用性
func (rs *RedisStore) Open(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        rs.config.Addr,
		Password:    rs.config.Password,
		DB:          rs.config.DB,
		DialTimeout: rs.config.ConnectTimeout,
		PoolSize:    rs.config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, rs.config.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return WrapStorageError(ErrStorageOpen, fmt.Sprintf("无法连接到 Redis: %s", rs.config.Addr), err)
	}

	rs.client = client
	rs.log.WithField("addr", rs.config.Addr).Info("Redis 连接成功")
	return nil
}

// Get 读取哈希字段
func (rs *RedisStore) Get(ctx context.Context, box Box, key string) ([]byte, error) {
	out, err := rs.do(ctx, box, func(ctx context.Context, c *redis.Client, hash string) (interface{}, error) {
		return c.HGet(ctx, hash, key).Bytes()
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// Put 写入哈希字段
func (rs *RedisStore) Put(ctx context.Context, box Box, key string, value []byte) error {
	_, err := rs.do(ctx, box, func(ctx context.Context, c *redis.Client, hash string) (interface{}, error) {
		return nil, c.HSet(ctx, hash, key, value).Err()
	})
	return err
}

// Delete 删除哈希字段
func (rs *RedisStore) Delete(ctx context.Context, box Box, key string) error {
	_, err := rs.do(ctx, box, func(ctx context.Context, c *redis.Client, hash string) (interface{}, error) {
		return nil, c.HDel(ctx, hash, key).Err()
	})
	return err
}

// Scan 使用 HSCAN 分批遍历，cursor 是 HSCAN 游标的十进制表示。
// HSCAN 在并发修改时可能重复返回键，上层的删除是幂等的。
func (rs *RedisStore) Scan(ctx context.Context, box Box, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}

	var start uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", NewStorageError(ErrStorageIO, fmt.Sprintf("invalid cursor %q", cursor))
		}
		start = parsed
	}

	type page struct {
		fields []string
		next   uint64
	}
	out, err := rs.do(ctx, box, func(ctx context.Context, c *redis.Client, hash string) (interface{}, error) {
		kv, next, err := c.HScan(ctx, hash, start, "", int64(limit)).Result()
		if err != nil {
			return nil, err
		}
		fields := make([]string, 0, len(kv)/2)
		for i := 0; i < len(kv); i += 2 {
			fields = append(fields, kv[i])
		}
		return page{fields: fields, next: next}, nil
	})
	if err != nil {
		return nil, "", err
	}

	p := out.(page)
	next := ""
	if p.next != 0 {
		next = strconv.FormatUint(p.next, 10)
	}
	return p.fields, next, nil
}

// Stats 统计哈希字段数与值的总字节数
func (rs *RedisStore) Stats(ctx context.Context, box Box) (BoxStats, error) {
	out, err := rs.do(ctx, box, func(ctx context.Context, c *redis.Client, hash string) (interface{}, error) {
		var stats BoxStats
		var cursor uint64
		for {
			kv, next, err := c.HScan(ctx, hash, cursor, "", 500).Result()
			if err != nil {
				return nil, err
			}
			for i := 1; i < len(kv); i += 2 {
				stats.Count++
				stats.Bytes += int64(len(kv[i]))
			}
			if next == 0 {
				return stats, nil
			}
			cursor = next
		}
	})
	if err != nil {
		return BoxStats{}, err
	}
	return out.(BoxStats), nil
}

// Clear 删除整个哈希
func (rs *RedisStore) Clear(ctx context.Context, box Box) error {
	_, err := rs.do(ctx, box, func(ctx context.Context, c *redis.Client, hash string) (interface{}, error) {
		return nil, c.Del(ctx, hash).Err()
	})
	return err
}

// Close 关闭连接
func (rs *RedisStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.client == nil {
		return nil
	}
	err := rs.client.Close()
	rs.client = nil
	if err != nil {
		return WrapStorageError(ErrStorageIO, "关闭 Redis 连接失败", err)
	}
	return nil
}

// BreakerState 返回熔断器当前状态
func (rs *RedisStore) BreakerState() gobreaker.State {
	return rs.breaker.State()
}

func (rs *RedisStore) hashKey(box Box) string {
	return rs.config.KeyPrefix + ":" + string(box)
}

func (rs *RedisStore) do(ctx context.Context, box Box, fn func(ctx context.Context, c *redis.Client, hash string) (interface{}, error)) (interface{}, error) {
	if err := validBox(box); err != nil {
		return nil, err
	}

	rs.mu.RLock()
	client := rs.client
	rs.mu.RUnlock()
	if client == nil {
		return nil, ErrClosed
	}

	out, err := rs.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, rs.config.RequestTimeout)
		defer cancel()
		return fn(reqCtx, client, rs.hashKey(box))
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, WrapStorageError(ErrStorageUnavailable, "Redis 熔断中", err)
	default:
		return nil, WrapStorageError(ErrStorageIO, fmt.Sprintf("Redis 操作失败 (box=%s)", box), err)
	}
}

var _ Store = (*RedisStore)(nil)
