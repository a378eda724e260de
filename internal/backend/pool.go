package backend

import (
	"runtime"
	"sync"

	"github.com/samcharles93/ktune/internal/kernel"
)

type groupTask struct {
	fn         HostKernel
	wg         WorkGroup
	args       []*HostBuffer
	start, end int
	done       chan error
}

// GroupPool executes the work-groups of host kernel launches on a fixed set
// of goroutines.
type GroupPool struct {
	size      int
	tasks     chan groupTask
	doneSlots chan chan error
	closeOnce sync.Once
}

// NewGroupPool starts size workers. size <= 0 uses GOMAXPROCS.
func NewGroupPool(size int) *GroupPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &GroupPool{
		size:      size,
		tasks:     make(chan groupTask, size*2),
		doneSlots: make(chan chan error, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan error, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				task.done <- runGroups(task)
			}
		}()
	}
	return p
}

func (p *GroupPool) Size() int { return p.size }

// Run executes fn once per work-group of the launch and returns the first
// error reported by any group. A panicking group is reported as a launch error.
func (p *GroupPool) Run(fn HostKernel, global, local kernel.Dim, defines kernel.Defines, args []*HostBuffer) error {
	global, local = global.Normalize(), local.Normalize()
	groups := global.Groups(local)
	tmpl := WorkGroup{Groups: groups, Local: local, Global: global, Defines: defines}
	n := groups.Size()
	if n == 0 {
		return nil
	}

	workers := min(p.size, n)
	if workers <= 1 {
		return runGroups(groupTask{fn: fn, wg: tmpl, args: args, start: 0, end: n})
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	sent := 0
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= n {
			break
		}
		p.tasks <- groupTask{
			fn:    fn,
			wg:    tmpl,
			args:  args,
			start: start,
			end:   min(start+chunk, n),
			done:  done,
		}
		sent++
	}
	var first error
	for i := 0; i < sent; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
		}
	}
	p.doneSlots <- done
	return first
}

// Close stops the workers. Run must not be called afterwards.
func (p *GroupPool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

func runGroups(t groupTask) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Recovered(rec)
		}
	}()
	gx, gy := t.wg.Groups.X, t.wg.Groups.Y
	wg := t.wg
	for i := t.start; i < t.end; i++ {
		wg.Group = kernel.Dim{X: i % gx, Y: (i / gx) % gy, Z: i / (gx * gy)}
		if err := t.fn(wg, t.args); err != nil {
			return err
		}
	}
	return nil
}
