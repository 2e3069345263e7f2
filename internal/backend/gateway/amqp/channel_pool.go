package amqp

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var errClosed = errors.New("channel pool is closed")

// channelPool holds a set of idle AMQP channels on a single connection.
// Channels are created on demand when the pool is empty and are closed on
// release when the pool is full.
type channelPool struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	idle     []*amqp.Channel
	size     int
	isClosed bool
}

// pooledChannel is a channel acquired from the pool.
type pooledChannel struct {
	*amqp.Channel

	pool   *channelPool
	broken bool
}

func newChannelPool(url string, size int) (*channelPool, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp server error")
	}

	p := channelPool{
		conn: conn,
		size: size,
		idle: make([]*amqp.Channel, 0, size),
	}

	for i := 0; i < size; i++ {
		ch, err := conn.Channel()
		if err != nil {
			p.close()
			return nil, errors.Wrap(err, "create channel error")
		}
		p.idle = append(p.idle, ch)
	}

	return &p, nil
}

func (p *channelPool) acquire() (*pooledChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return nil, errClosed
	}

	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return &pooledChannel{Channel: ch, pool: p}, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "create channel error")
	}
	return &pooledChannel{Channel: ch, pool: p}, nil
}

func (p *channelPool) put(ch *amqp.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed || len(p.idle) >= p.size {
		return ch.Close()
	}

	p.idle = append(p.idle, ch)
	return nil
}

func (p *channelPool) idleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *channelPool) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isClosed
}

// close closes the idle channels and the connection. Channels which are
// still acquired are closed together with the connection.
func (p *channelPool) close() {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return
	}
	p.isClosed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, ch := range idle {
		ch.Close()
	}
	p.conn.Close()
}

// markBroken marks the channel as not re-usable, e.g. after a publish error.
func (pc *pooledChannel) markBroken() {
	pc.broken = true
}

// release hands the channel back to the pool. Broken channels are closed.
func (pc *pooledChannel) release() error {
	if pc.broken {
		return pc.Channel.Close()
	}
	return pc.pool.put(pc.Channel)
}
