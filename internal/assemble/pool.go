package assemble

import (
	"context"
	"sync"

	"pano-downloader/internal/common"
)

// Pool runs assembly jobs on a fixed number of workers so decode and
// stitch work never starves the network fetch goroutines of CPU.
type Pool struct {
	assembler *Assembler
	jobs      chan poolJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type poolJob struct {
	job Job
	out chan<- *common.PanoramaResult
}

// NewPool starts size workers. Callers must Close the pool when the run
// finishes or is cancelled.
func NewPool(size int, assembler *Assembler) *Pool {
	if size < 1 {
		size = 1
	}

	p := &Pool{
		assembler: assembler,
		jobs:      make(chan poolJob),
	}

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for pj := range p.jobs {
		pj.out <- p.assembler.Assemble(pj.job)
	}
}

// Submit queues one panorama for assembly and waits for its result. Blocks
// while all workers are busy; returns the context error if the run is
// cancelled before a worker picks the job up.
func (p *Pool) Submit(ctx context.Context, job Job) (*common.PanoramaResult, error) {
	out := make(chan *common.PanoramaResult, 1)

	select {
	case p.jobs <- poolJob{job: job, out: out}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The job is in a worker's hands now; assembly is not interruptible,
	// so wait for the result rather than leak it.
	return <-out, nil
}

// Close stops accepting jobs and waits for in-flight assemblies to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
