package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"upliftcs/internal/services"
	"upliftcs/pkg/logger"
	"upliftcs/pkg/queue"
)

// ExecutionChannel 执行事件的 Redis 频道
const ExecutionChannel = "playbook_executions"

// subscriberBuffer 每个连接的缓冲，写满后丢弃新事件
const subscriberBuffer = 32

// Hub 按组织分发剧本执行事件。
// 配置了 Redis 时事件先发布到频道，由各实例的 Run 订阅后再本地分发，多实例部署时所有连接都能收到
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan services.ExecutionEvent]struct{}
	store       *queue.RedisStore
}

var _ services.EventPublisher = (*Hub)(nil)

// NewHub store 可以为空，此时只在本进程内分发
func NewHub(store *queue.RedisStore) *Hub {
	return &Hub{
		subscribers: make(map[uint]map[chan services.ExecutionEvent]struct{}),
		store:       store,
	}
}

// Publish 实现 services.EventPublisher
func (h *Hub) Publish(event services.ExecutionEvent) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := h.store.PublishMessage(ctx, ExecutionChannel, event)
		if err == nil {
			return
		}
		logger.GetLogger().WithError(err).Warn("发布执行事件到Redis失败，改为本地分发")
	}
	h.dispatch(event)
}

// dispatch 分发给同组织的本地订阅者
func (h *Hub) dispatch(event services.ExecutionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[event.OrganizationID] {
		select {
		case ch <- event:
		default:
			// 慢连接丢弃
		}
	}
}

// Subscribe 订阅组织的事件，返回的函数用于取消订阅
func (h *Hub) Subscribe(orgID uint) (<-chan services.ExecutionEvent, func()) {
	ch := make(chan services.ExecutionEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[orgID] == nil {
		h.subscribers[orgID] = make(map[chan services.ExecutionEvent]struct{})
	}
	h.subscribers[orgID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers[orgID], ch)
			if len(h.subscribers[orgID]) == 0 {
				delete(h.subscribers, orgID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SubscriberCount 组织当前的连接数
func (h *Hub) SubscriberCount(orgID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[orgID])
}

// Run 订阅 Redis 频道并转发到本地，直到 ctx 取消。未配置 Redis 时直接返回
func (h *Hub) Run(ctx context.Context) {
	if h.store == nil {
		return
	}
	log := logger.GetLogger()

	pubsub := h.store.SubscribeChannel(ctx, ExecutionChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.WithError(err).Error("订阅执行事件频道失败")
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event services.ExecutionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.WithError(err).Warn("解析执行事件失败")
				continue
			}
			h.dispatch(event)
		}
	}
}
