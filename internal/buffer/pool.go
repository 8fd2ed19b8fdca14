package buffer

import (
	"context"

	"github.com/jackc/puddle/v2"
)

// DefaultCapacity is the initial backing-array size handed to a freshly
// constructed Buffer. Connections typically hold four of these (input,
// output, pending, cmd_log); pooling them avoids a fresh allocation on
// every packet when a server is under sustained pipelined load.
const DefaultCapacity = 4096

// Pool recycles Buffers across their use as a Server's input, output,
// pending or cmd_log region. Acquire/Release pairs must not cross
// goroutines: a Buffer borrowed from the pool belongs to the single
// event-loop goroutine until released, mirroring the single-threaded
// ownership the rest of the core assumes.
type Pool struct {
	pool *puddle.Pool[*Buffer]
}

// NewPool creates a Buffer pool with the given maximum resident size.
func NewPool(maxSize int32) (*Pool, error) {
	p, err := puddle.NewPool(&puddle.Config[*Buffer]{
		Constructor: func(ctx context.Context) (*Buffer, error) {
			return New(DefaultCapacity), nil
		},
		Destructor: func(b *Buffer) {},
		MaxSize:    maxSize,
	})
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p}, nil
}

// Acquire borrows a reset Buffer from the pool, blocking until one is
// available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*puddle.Resource[*Buffer], error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	res.Value().Reset()
	return res, nil
}

// Close releases every idle resource and prevents further acquisition.
func (p *Pool) Close() {
	p.pool.Close()
}

// Quad is the four buffers a single Server owns for its lifetime:
// input, output, pending and cmd_log, per spec.md's Server Record.
type Quad struct {
	Input, Output, Pending, CmdLog *Buffer

	resources []*puddle.Resource[*Buffer]
}

// AcquireQuad borrows four Buffers for a Server's exclusive use for as
// long as that Server is not CLOSED. Release must be called once the
// Server is torn down.
func (p *Pool) AcquireQuad(ctx context.Context) (*Quad, error) {
	q := &Quad{}
	targets := []**Buffer{&q.Input, &q.Output, &q.Pending, &q.CmdLog}
	for _, target := range targets {
		res, err := p.Acquire(ctx)
		if err != nil {
			q.Release()
			return nil, err
		}
		*target = res.Value()
		q.resources = append(q.resources, res)
	}
	return q, nil
}

// Release returns all four buffers to the pool they were acquired from.
func (q *Quad) Release() {
	for _, res := range q.resources {
		res.Release()
	}
	q.resources = nil
}
