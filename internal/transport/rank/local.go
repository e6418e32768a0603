package rank

import (
	"context"
	"fmt"
)

type localWorld struct {
	boxes []*mailbox
}

type localComm struct {
	rank  int
	world *localWorld
}

// NewLocalWorld connects size in-process participants, ranks 0 to size-1.
func NewLocalWorld(size int) []Comm {
	w := &localWorld{boxes: make([]*mailbox, size)}
	comms := make([]Comm, size)
	for i := range size {
		w.boxes[i] = newMailbox()
		comms[i] = &localComm{rank: i, world: w}
	}
	return comms
}

func (c *localComm) Rank() int { return c.rank }

func (c *localComm) Send(ctx context.Context, dest, tag int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dest < 0 || dest >= len(c.world.boxes) {
		return fmt.Errorf("rank %d: no such destination %d", c.rank, dest)
	}
	c.world.boxes[dest].deliver(c.rank, tag, append([]byte(nil), data...))
	return nil
}

func (c *localComm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	return c.world.boxes[c.rank].take(ctx, src, tag)
}

func (c *localComm) RecvInto(ctx context.Context, src, tag int, buf []byte) (int, error) {
	return c.world.boxes[c.rank].takeInto(ctx, src, tag, buf)
}

func (c *localComm) Close() error {
	c.world.boxes[c.rank].close(ErrClosed)
	for _, b := range c.world.boxes {
		b.disconnect(c.rank, ErrClosed)
	}
	return nil
}
