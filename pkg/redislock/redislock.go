// Package redislock 基于 Redis 的轮询互斥锁（跨实例）
package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config Redis 连接配置
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TLS 为 nil 时从环境变量读取
	TLS *TLSOptions
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Addr:         "localhost:6379",
	PoolSize:     20,
	DialTimeout:  5 * time.Second,
	ReadTimeout:  3 * time.Second,
	WriteTimeout: 3 * time.Second,
}

// NewClient 创建客户端并测试连接
func NewClient(cfg *Config) (*redis.Client, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	tlsOpts := TLSOptionsFromEnv()
	if cfg.TLS != nil {
		tlsOpts = *cfg.TLS
	}
	tlsCfg, err := tlsOpts.Build()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    tlsCfg,
	})

	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = DefaultConfig.DialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

var ErrNotHeld = errors.New("lock not held")

const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// Lock 分布式锁，value 为本次持有者的唯一标识
type Lock struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration
}

// New 创建锁，owner 为空时生成 uuid
func New(client redis.Cmdable, key, owner string, ttl time.Duration) *Lock {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Lock{client: client, key: key, value: owner, ttl: ttl}
}

func (l *Lock) Key() string { return l.key }

// Acquire 获取锁（SET NX PX）
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
}

// Release 释放锁（仅释放自己持有的锁）
func (l *Lock) Release(ctx context.Context) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend 延长锁时间
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Locker 为每个轮询任务生成锁
type Locker struct {
	client redis.Cmdable
	prefix string
	owner  string
	ttl    time.Duration
}

// NewLocker 创建锁工厂，key 为 prefix+name
func NewLocker(client redis.Cmdable, prefix, owner string, ttl time.Duration) *Locker {
	if prefix == "" {
		prefix = "saga:poll:"
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: client, prefix: prefix, owner: owner, ttl: ttl}
}

// Run 持锁执行 fn；未拿到锁返回 (false, nil) 且不执行
func (lk *Locker) Run(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	// 每次运行使用独立 value，避免同实例两次运行互相释放
	lock := New(lk.client, lk.prefix+name, lk.owner+":"+uuid.NewString(), lk.ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	return true, fn(ctx)
}
