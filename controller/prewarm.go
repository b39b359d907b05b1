package controller

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"burrow/protocol"
	"burrow/utils"
)

// 本地服务预热连接数，取完即后台补齐
const prewarmPoolSize = 4

// prewarmPool 维护一小撮到本地服务的预热 TCP 连接，accept 任务可以直接
// 取用，省掉一次拨号往返。
type prewarmPool struct {
	addr    string
	desired int

	mu      sync.Mutex
	idle    []net.Conn
	warming int
	closed  bool
}

func newPrewarmPool(addr string, desired int) *prewarmPool {
	p := &prewarmPool{addr: addr, desired: desired}
	p.mu.Lock()
	p.ensureLocked()
	p.mu.Unlock()
	return p
}

// ensureLocked 持续补齐预热连接直到达到期望值。
func (p *prewarmPool) ensureLocked() {
	if p.closed {
		return
	}
	need := p.desired - len(p.idle) - p.warming
	for i := 0; i < need; i++ {
		p.warming++
		go p.dialOne()
	}
}

// dialOne 拨号一个连接并加入空闲池。
func (p *prewarmPool) dialOne() {
	conn, err := dialTimeout(p.addr, protocol.NetworkTimeout)
	if err != nil {
		utils.Logger.Warn("prewarm dial failed", zap.String("target", p.addr), zap.Error(err))
		time.Sleep(500 * time.Millisecond)
		p.mu.Lock()
		p.warming--
		p.mu.Unlock()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
	p.mu.Lock()
	p.warming--
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Acquire 优先取出预热连接，取出后触发补齐。
func (p *prewarmPool) Acquire() (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		p.ensureLocked()
		return nil, false
	}
	conn := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.ensureLocked()
	return conn, true
}

// Close 关闭所有空闲连接并停止补齐。
func (p *prewarmPool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}
