// internal/pkg/redis/client.go
package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"nexus-settlement/internal/pkg/logger"
)

// Client 封装 go-redis 的 UniversalClient，并管理按名字注册的 Lua 脚本。
// 单个地址时是普通客户端，多个地址时是集群客户端。
type Client struct {
	client  goredis.UniversalClient
	scripts map[string]*goredis.Script
	mu      sync.RWMutex
}

// NewClient addrs 格式为 "host1:port1,host2:port2"。
func NewClient(addrs, password string) (*Client, error) {
	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        strings.Split(addrs, ","),
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := uc.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "ping redis %s", addrs)
	}
	logger.Ctx(ctx).Info().Str("addrs", addrs).Msg("✅ Successfully connected to Redis.")
	return NewClientFrom(uc), nil
}

// NewClientFrom 包装一个已有的客户端（测试中用于接入 miniredis）。
func NewClientFrom(uc goredis.UniversalClient) *Client {
	return &Client{
		client:  uc,
		scripts: make(map[string]*goredis.Script),
	}
}

// LoadScriptFromContent 注册并预加载脚本，之后通过 EVALSHA 执行。
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := goredis.NewScript(content)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := script.Load(ctx, c.client).Err(); err != nil {
		return errors.Wrapf(err, "load lua script %q", name)
	}

	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本。NOSCRIPT 时 go-redis 会自动回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("lua script %q is not loaded", name)
	}

	result, err := script.Run(ctx, c.client, keys, args...).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, errors.Wrapf(err, "run lua script %q", name)
	}
	return result, nil
}

// GetClient 暴露底层客户端，用于 pipeline 等脚本以外的操作。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
