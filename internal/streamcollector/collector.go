// Package streamcollector wraps a response body so its bytes are
// forwarded to the client exactly as received while a copy is
// accumulated in memory, with a callback fired once the body has been
// read to a clean end. It never fires on a read error or early Close,
// since both mean the spec's "cache only a successful, complete
// response" condition does not hold.
package streamcollector

import (
	"io"
	"sync"
)

// OnComplete receives the full accumulated body. It runs in its own
// goroutine so a slow disk write never adds latency to the client's
// read of the tail of the stream.
type OnComplete func(body []byte)

// Collector is an io.ReadCloser that tees Read calls into an internal
// buffer and invokes onComplete exactly once, the first time Read
// returns io.EOF, with nothing yet invoked if the caller instead abandons
// the stream via Close before reaching EOF.
type Collector struct {
	src        io.ReadCloser
	buf        []byte
	onComplete OnComplete

	once sync.Once
}

// New wraps src. onComplete fires from a new goroutine once src is
// drained to io.EOF via Read; it does not fire if Read returns any
// other error, or if Close is called before EOF is reached.
func New(src io.ReadCloser, onComplete OnComplete) *Collector {
	return &Collector{src: src, onComplete: onComplete}
}

func (c *Collector) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	if n > 0 {
		c.buf = append(c.buf, p[:n]...)
	}
	if err == io.EOF {
		c.fireComplete()
	}
	return n, err
}

func (c *Collector) Close() error {
	return c.src.Close()
}

func (c *Collector) fireComplete() {
	c.once.Do(func() {
		body := c.buf
		go c.onComplete(body)
	})
}
