package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Client is one subscriber connection. Instances are pooled; everything
// here must be reset in the pool's Get path.
type Client struct {
	id   string // session id, regenerated per connection
	conn net.Conn
	ip   string

	send      chan []byte
	closeOnce sync.Once

	// Consecutive full-buffer strikes. Three in a row marks the client too
	// slow to keep and it is disconnected with a policy violation close.
	sendAttempts     int32
	slowClientWarned int32

	msgLimiter  *rate.Limiter
	connectedAt time.Time

	rooms   map[string]struct{}
	roomsMu sync.Mutex

	server *Server
}

// clientPool recycles Client structs across connections. The send channel
// is allocated once per struct and drained on reuse.
type clientPool struct {
	pool sync.Pool
}

func newClientPool(sendBufferSize, msgRate, msgBurst int) *clientPool {
	return &clientPool{
		pool: sync.Pool{
			New: func() any {
				return &Client{
					send:       make(chan []byte, sendBufferSize),
					msgLimiter: rate.NewLimiter(rate.Limit(msgRate), msgBurst),
					rooms:      make(map[string]struct{}),
				}
			},
		},
	}
}

func (p *clientPool) get() *Client {
	c := p.pool.Get().(*Client)
	for {
		select {
		case <-c.send:
		default:
			goto drained
		}
	}
drained:
	c.closeOnce = sync.Once{}
	atomic.StoreInt32(&c.sendAttempts, 0)
	atomic.StoreInt32(&c.slowClientWarned, 0)
	c.connectedAt = time.Now()
	c.roomsMu.Lock()
	for room := range c.rooms {
		delete(c.rooms, room)
	}
	c.roomsMu.Unlock()
	return c
}

func (p *clientPool) put(c *Client) {
	c.conn = nil
	c.server = nil
	c.id = ""
	c.ip = ""
	p.pool.Put(c)
}

// joinRoom records membership on both the client and the room index.
func (c *Client) joinRoom(room string) {
	c.roomsMu.Lock()
	c.rooms[room] = struct{}{}
	c.roomsMu.Unlock()
	c.server.rooms.Add(room, c)
}

// leaveRoom drops membership from both sides.
func (c *Client) leaveRoom(room string) {
	c.roomsMu.Lock()
	delete(c.rooms, room)
	c.roomsMu.Unlock()
	c.server.rooms.Remove(room, c)
}

// leaveAllRooms clears membership during disconnect.
func (c *Client) leaveAllRooms() {
	c.roomsMu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	for room := range c.rooms {
		delete(c.rooms, room)
	}
	c.roomsMu.Unlock()

	for _, room := range rooms {
		c.server.rooms.Remove(room, c)
	}
}
