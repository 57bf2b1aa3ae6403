package relay

import (
	"sync"
	"time"

	"market-relay-go/infrastructure/monitor"
	"market-relay-go/market"
)

// Client 一个下游连接：订阅表、节流状态与发送队列。
type Client struct {
	ID   string
	conn Conn

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	subs     map[string]market.Interval
	slots    map[string]*slot
	lastSeen time.Time
}

// slot 单个 symbol 的节流状态。
type slot struct {
	lastSent time.Time
	pending  *market.Tick
	timer    *time.Timer
}

// Subscriptions 返回 symbol -> 周期 的副本。
func (c *Client) Subscriptions() map[string]market.Interval {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]market.Interval, len(c.subs))
	for s, iv := range c.subs {
		out[s] = iv
	}
	return out
}

// LastSeen 最近一次入站消息时间。
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Done 在连接关闭后关闭。
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// send 非阻塞入队；队列已满时丢弃该事件。
func (c *Client) send(ev Event, mon *monitor.Monitor) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
		mon.RecordQueueDrop()
		return false
	}
}

func (c *Client) dropSlotLocked(symbol string) {
	if s, ok := c.slots[symbol]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.slots, symbol)
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
