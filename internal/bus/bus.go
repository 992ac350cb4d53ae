// Package bus 提供进程内的主题发布/订阅通道,用于把信号、裁决、
// 执行结果与一致性故障广播给观察者(审计日志、对账、监控)。
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// 控制平面使用的固定主题。
const (
	TopicSignals    = "titan:signals"
	TopicVerdicts   = "titan:verdicts"
	TopicExecutions = "titan:executions"
	TopicFaults     = "titan:faults"
)

// StrategyTopic 返回某个策略的信号入口主题。
func StrategyTopic(strategy string) string {
	return TopicSignals + ":" + strategy
}

const defaultBuffer = 256

// Bus 是非阻塞的进程内消息总线:慢订阅者的缓冲满时丢弃消息并记录,
// 绝不反压交易路径。
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan interface{}
	closed bool
	logger *zap.Logger
}

// New 创建消息总线。
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]chan interface{}),
		logger: logger,
	}
}

// Subscribe 返回接收该主题所有后续消息的通道。
func (b *Bus) Subscribe(topic string) <-chan interface{} {
	ch := make(chan interface{}, defaultBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish 把消息投递给主题的所有订阅者。缓冲满的订阅者丢失该消息。
func (b *Bus) Publish(topic string, msg interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("slow subscriber, message dropped",
				zap.String("module", "bus"),
				zap.String("topic", topic))
		}
	}
}

// Close 关闭所有订阅通道。之后的 Publish 是空操作。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
