package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultHistory 是缓冲区保留的最近日志条数。
	DefaultHistory = 100
	// subscriberBuffer 需足够容纳一次完整的历史回放。
	subscriberBuffer = DefaultHistory + 156

	timeLayout = "2006-01-02 15:04:05"
)

// Line 是一条不可变的日志记录。
type Line struct {
	Time time.Time
	Text string
}

// Broker 保存最近的进度日志，并向实时订阅者（SSE 客户端）分发新日志。
type Broker struct {
	mu      sync.Mutex
	lines   []Line
	head    int
	size    int
	clients map[chan string]struct{}

	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger

	onSubscribers func(n int)
}

// NewBroker 创建一个新的 Broker 实例，时间戳按 loc 时区格式化。
func NewBroker(loc *time.Location, logger zerolog.Logger) *Broker {
	return newBroker(DefaultHistory, loc, time.Now, logger)
}

func newBroker(history int, loc *time.Location, now func() time.Time, logger zerolog.Logger) *Broker {
	if loc == nil {
		loc = time.Local
	}
	return &Broker{
		lines:   make([]Line, history),
		clients: make(map[chan string]struct{}),
		loc:     loc,
		now:     now,
		logger:  logger,
	}
}

// OnSubscribers 注册订阅者数量变化时的回调，用于指标上报。
func (b *Broker) OnSubscribers(fn func(n int)) {
	b.mu.Lock()
	b.onSubscribers = fn
	b.mu.Unlock()
}

// Logf 追加一条带时间戳的日志。
func (b *Broker) Logf(text string) string {
	return b.Append(text, true)
}

// Append 格式化并保存一条日志，随后推送给全部订阅者。
// 订阅者缓冲已满视为写入失败，只移除该订阅者。
func (b *Broker) Append(text string, withTimestamp bool) string {
	now := b.now()
	entry := text
	if withTimestamp {
		entry = now.In(b.loc).Format(timeLayout) + " - " + text
	}
	b.logger.Info().Str("component", "broker").Msg(entry)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(Line{Time: now, Text: entry})
	dropped := false
	for ch := range b.clients {
		select {
		case ch <- entry:
		default:
			delete(b.clients, ch)
			close(ch)
			dropped = true
		}
	}
	if dropped {
		b.notifyLocked()
	}
	return entry
}

// Subscribe 注册订阅者：先回放当前缓冲的全部日志，再接收后续日志。
// 回放与登记在同一把锁内完成，因此不会重复或遗漏。
func (b *Broker) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	for _, line := range b.snapshotLocked() {
		ch <- line.Text
	}
	b.clients[ch] = struct{}{}
	b.notifyLocked()
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
				b.notifyLocked()
			}
		})
	}
	return ch, cleanup
}

// Snapshot 按追加顺序返回当前缓冲的日志文本。
func (b *Broker) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.snapshotLocked()
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.Text
	}
	return out
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) push(line Line) {
	capacity := len(b.lines)
	if b.size < capacity {
		b.lines[(b.head+b.size)%capacity] = line
		b.size++
		return
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % capacity
}

func (b *Broker) snapshotLocked() []Line {
	out := make([]Line, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.head+i)%len(b.lines)]
	}
	return out
}

func (b *Broker) notifyLocked() {
	if b.onSubscribers != nil {
		b.onSubscribers(len(b.clients))
	}
}
