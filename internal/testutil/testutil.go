// Package testutil holds the hand-written fakes shared by service tests.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdfund/internal/effects"
	"crowdfund/internal/model"
	"crowdfund/pkg/cache"
)

// ErrInjected 由 fake 注入的失败
var ErrInjected = errors.New("injected failure")

// Cache 内存缓存，记录每次失效的 key
type Cache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated []string
	Fail        bool
}

func NewCache() *Cache {
	return &Cache{data: map[string][]byte{}}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (c *Cache) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return ErrInjected
	}
	c.data[key] = value
	return nil
}

func (c *Cache) InvalidateMany(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, keys...)
	if c.Fail {
		return ErrInjected
	}
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// Invalidated 返回去重排序后的失效 key
func (c *Cache) Invalidated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, k := range c.invalidated {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = nil
}

// Published 一条已发布的事件
type Published struct {
	RoutingKey string
	Payload    any
}

// Publisher 记录发布的事件
type Publisher struct {
	mu     sync.Mutex
	events []Published
	Fail   bool
}

func (p *Publisher) Publish(_ context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail {
		return ErrInjected
	}
	p.events = append(p.events, Published{RoutingKey: routingKey, Payload: payload})
	return nil
}

func (p *Publisher) Events() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.events...)
}

func (p *Publisher) RoutingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.RoutingKey)
	}
	return keys
}

// Count 某个 routing key 的发布次数
func (p *Publisher) Count(routingKey string) int {
	n := 0
	for _, k := range p.RoutingKeys() {
		if k == routingKey {
			n++
		}
	}
	return n
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// Notifier 记录通知，Fail 时返回错误
type Notifier struct {
	mu     sync.Mutex
	sent   []model.Notification
	admins []model.Notification
	Fail   bool
}

func (n *Notifier) Notify(_ context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return ErrInjected
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *Notifier) NotifyAdmins(_ context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return ErrInjected
	}
	n.admins = append(n.admins, msg)
	return nil
}

func (n *Notifier) Sent() []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Notification(nil), n.sent...)
}

func (n *Notifier) AdminNotices() []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Notification(nil), n.admins...)
}

// Clock 可手动推进的时钟
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Effects 由 fake 组装的 effects，返回值便于断言
func Effects(c *Cache, p *Publisher) *effects.Effects {
	return effects.New(c, p, zap.NewNop(), time.Second)
}
