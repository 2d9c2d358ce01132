package unique

import (
	"container/heap"
	"fmt"
	"io"
)

// runCursor reads one run through a window of the shared merge buffer.
// The window is buf[start:end]; the elements read from disk and not yet
// consumed are buf[pos:lim].
type runCursor struct {
	r        io.ReadCloser
	left     uint64 // rows still on disk
	fullSize int

	buf        []byte
	start, end int
	pos, lim   int
}

func newRunCursor(r io.ReadCloser, rows uint64, fullSize int, buf []byte, start, end int) *runCursor {
	return &runCursor{
		r:        r,
		left:     rows,
		fullSize: fullSize,
		buf:      buf,
		start:    start,
		end:      end,
		pos:      start,
		lim:      start,
	}
}

// current returns the head element. It stays valid until the window is
// refilled.
func (c *runCursor) current() []byte {
	return c.buf[c.pos : c.pos+c.fullSize : c.pos+c.fullSize]
}

// advance moves to the next element in the window and reports whether
// there is one. When it returns false the cursor must be refilled.
func (c *runCursor) advance() bool {
	c.pos += c.fullSize
	return c.pos < c.lim
}

// exhausted reports whether every element of the run was consumed.
func (c *runCursor) exhausted() bool {
	return c.pos >= c.lim && c.left == 0
}

// fill reads as many elements as fit in the window. It returns false when
// the run has no more elements.
func (c *runCursor) fill() (bool, error) {
	if c.left == 0 {
		c.pos, c.lim = c.start, c.start
		return false, nil
	}
	n := uint64((c.end - c.start) / c.fullSize)
	if n == 0 {
		return false, fmt.Errorf("run cursor window of %d bytes holds no element", c.end-c.start)
	}
	if n > c.left {
		n = c.left
	}
	lim := c.start + int(n)*c.fullSize
	if _, err := io.ReadFull(c.r, c.buf[c.start:lim]); err != nil {
		return false, fmt.Errorf("read run: %w", err)
	}
	c.left -= n
	c.pos, c.lim = c.start, lim
	return true, nil
}

func (c *runCursor) close() error {
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	return err
}

// cursorHeap implements heap.Interface over run cursors ordered by head key.
type cursorHeap struct {
	items   []*runCursor
	cmp     Compare
	keySize int
}

func (h *cursorHeap) Len() int { return len(h.items) }

func (h *cursorHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].current()[:h.keySize], h.items[j].current()[:h.keySize]) < 0
}

func (h *cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap) Push(x any) {
	h.items = append(h.items, x.(*runCursor))
}

func (h *cursorHeap) Pop() any {
	old := h.items
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return c
}

func (h *cursorHeap) top() *runCursor { return h.items[0] }

// reuseFreed hands the window of an exhausted cursor to a cursor whose
// window is adjacent to it, so the remaining runs read larger blocks.
func (h *cursorHeap) reuseFreed(freed *runCursor) {
	for _, c := range h.items {
		switch {
		case c.end == freed.start:
			c.end = freed.end
			return
		case c.start == freed.end:
			c.start = freed.start
			return
		}
	}
}

// next consumes the head of the top cursor and restores heap order. The
// returned element is either still in the cursor's window or copied into
// save when the window had to be refilled.
func (h *cursorHeap) next(save []byte) ([]byte, error) {
	c := h.top()
	rec := c.current()
	if c.advance() {
		heap.Fix(h, 0)
		return rec, nil
	}
	rec = save[:copy(save, rec)]
	ok, err := c.fill()
	if err != nil {
		return nil, err
	}
	if ok {
		heap.Fix(h, 0)
		return rec, nil
	}
	heap.Pop(h)
	h.reuseFreed(c)
	return rec, c.close()
}
