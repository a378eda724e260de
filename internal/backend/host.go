package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/ktune/internal/kernel"
)

// WorkGroup is the part of a launch one host kernel call executes.
type WorkGroup struct {
	Group   kernel.Dim
	Groups  kernel.Dim
	Local   kernel.Dim
	Global  kernel.Dim
	Defines kernel.Defines
}

// HostKernel executes one work-group on the host. Work items are iterated by
// the kernel itself.
type HostKernel func(wg WorkGroup, args []*HostBuffer) error

// HostKernels maps entry point names to host implementations.
type HostKernels map[string]HostKernel

var errReleased = errors.New("buffer already released")

// HostBuffer is host memory standing in for device memory.
type HostBuffer struct {
	arg      kernel.Argument
	onFree   func()
	released atomic.Bool
}

func newHostBuffer(arg kernel.Argument, onFree func()) *HostBuffer {
	return &HostBuffer{arg: arg, onFree: onFree}
}

func (b *HostBuffer) Argument() kernel.ArgumentID { return b.arg.ID }
func (b *HostBuffer) Len() int                    { return b.arg.Len() }

// Data is the live contents. Writes through typed slices are visible to
// later reads.
func (b *HostBuffer) Data() kernel.Argument { return b.arg }

func (b *HostBuffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}
	if b.onFree != nil {
		b.onFree()
	}
	return nil
}

// HostSlice returns the buffer's elements typed as T, or nil.
func HostSlice[T kernel.Element](b *HostBuffer) []T {
	d, _ := kernel.Data[T](b.arg)
	return d
}

func asHostBuffer(b Buffer) (*HostBuffer, error) {
	hb, ok := b.(*HostBuffer)
	if !ok || hb == nil {
		return nil, LaunchError("buffer %T does not belong to a host backend", b)
	}
	if hb.released.Load() {
		return nil, LaunchError("argument %d: %w", hb.arg.ID, errReleased)
	}
	return hb, nil
}

// HostBuffers converts launch arguments for host kernels.
func HostBuffers(bufs []Buffer) ([]*HostBuffer, error) {
	out := make([]*HostBuffer, len(bufs))
	for i, b := range bufs {
		hb, err := asHostBuffer(b)
		if err != nil {
			return nil, err
		}
		out[i] = hb
	}
	return out, nil
}

type hostTask struct {
	fn     func() error
	marker chan struct{}
}

// HostQueue runs enqueued work in order on its own goroutine.
type HostQueue struct {
	id    int
	tasks chan hostTask
	done  chan struct{}

	sendMu sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error

	onFree func()
}

func newHostQueue(id int, onFree func()) *HostQueue {
	q := &HostQueue{
		id:     id,
		tasks:  make(chan hostTask, 64),
		done:   make(chan struct{}),
		onFree: onFree,
	}
	go q.run()
	return q
}

func (q *HostQueue) run() {
	defer close(q.done)
	for t := range q.tasks {
		if t.marker != nil {
			close(t.marker)
			continue
		}
		if err := runHostTask(t.fn); err != nil {
			q.errMu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.errMu.Unlock()
		}
	}
}

func runHostTask(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Recovered(rec)
		}
	}()
	return fn()
}

func (q *HostQueue) ID() int { return q.id }

// Enqueue schedules fn after all previously enqueued work.
func (q *HostQueue) Enqueue(fn func() error) error {
	return q.send(hostTask{fn: fn})
}

func (q *HostQueue) send(t hostTask) error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	if q.closed {
		return LaunchError("queue %d is released", q.id)
	}
	q.tasks <- t
	return nil
}

// Synchronize waits for all enqueued work and returns the first error any
// of it produced since the last join.
func (q *HostQueue) Synchronize(ctx context.Context) error {
	marker := make(chan struct{})
	if err := q.send(hostTask{marker: marker}); err != nil {
		return err
	}
	select {
	case <-marker:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.takeErr()
}

func (q *HostQueue) takeErr() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	err := q.err
	q.err = nil
	return err
}

// Release drains the queue and stops its goroutine.
func (q *HostQueue) Release() error {
	q.sendMu.Lock()
	if q.closed {
		q.sendMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.sendMu.Unlock()

	<-q.done
	if q.onFree != nil {
		q.onFree()
	}
	return q.takeErr()
}

// HostMemory implements the buffer and queue half of Backend on host memory.
// It is embedded by the cpu and sim backends.
type HostMemory struct {
	buffers atomic.Int64
	queues  atomic.Int64
	nextQ   atomic.Int64
}

// LiveBuffers is the number of buffers created and not yet released.
func (m *HostMemory) LiveBuffers() int { return int(m.buffers.Load()) }

// LiveQueues is the number of queues created and not yet released.
func (m *HostMemory) LiveQueues() int { return int(m.queues.Load()) }

func (m *HostMemory) alloc(arg kernel.Argument) (*HostBuffer, error) {
	if err := arg.Validate(); err != nil {
		return nil, LaunchError("create buffer: %w", err)
	}
	m.buffers.Add(1)
	return newHostBuffer(arg, func() { m.buffers.Add(-1) }), nil
}

func (m *HostMemory) CreateBuffer(ctx context.Context, arg kernel.Argument) (Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.alloc(arg.Clone())
}

func (m *HostMemory) CreateBufferAsync(ctx context.Context, q Queue, arg kernel.Argument) (Buffer, error) {
	hq, err := asHostQueue(q)
	if err != nil {
		return nil, err
	}
	if hq == nil {
		return m.CreateBuffer(ctx, arg)
	}
	hb, err := m.alloc(arg.Zeroed())
	if err != nil {
		return nil, err
	}
	if err := hq.Enqueue(func() error { return hb.arg.CopyFrom(arg) }); err != nil {
		_ = hb.Release()
		return nil, err
	}
	return hb, nil
}

func (m *HostMemory) WriteBuffer(ctx context.Context, dst Buffer, src kernel.Argument) error {
	hb, err := asHostBuffer(dst)
	if err != nil {
		return err
	}
	if err := hb.arg.CopyFrom(src); err != nil {
		return LaunchError("write buffer: %w", err)
	}
	return nil
}

func (m *HostMemory) CopyBuffer(ctx context.Context, dst, src Buffer) error {
	d, err := asHostBuffer(dst)
	if err != nil {
		return err
	}
	s, err := asHostBuffer(src)
	if err != nil {
		return err
	}
	if err := d.arg.CopyFrom(s.arg); err != nil {
		return LaunchError("copy buffer: %w", err)
	}
	return nil
}

func (m *HostMemory) CopyBufferAsync(ctx context.Context, q Queue, dst, src Buffer) error {
	hq, err := asHostQueue(q)
	if err != nil {
		return err
	}
	if hq == nil {
		return m.CopyBuffer(ctx, dst, src)
	}
	return hq.Enqueue(func() error { return m.CopyBuffer(ctx, dst, src) })
}

func (m *HostMemory) ReadBuffer(ctx context.Context, b Buffer) (kernel.Argument, error) {
	hb, err := asHostBuffer(b)
	if err != nil {
		return kernel.Argument{}, err
	}
	return hb.arg.Clone(), nil
}

func (m *HostMemory) NewQueue() (Queue, error) {
	m.queues.Add(1)
	id := int(m.nextQ.Add(1))
	return newHostQueue(id, func() { m.queues.Add(-1) }), nil
}

// SyncQueue joins q before a launch that depends on its pending work.
func SyncQueue(ctx context.Context, q Queue) error {
	if q == nil {
		return nil
	}
	return q.Synchronize(ctx)
}

func asHostQueue(q Queue) (*HostQueue, error) {
	if q == nil {
		return nil, nil
	}
	hq, ok := q.(*HostQueue)
	if !ok {
		return nil, fmt.Errorf("queue %T does not belong to a host backend", q)
	}
	return hq, nil
}
