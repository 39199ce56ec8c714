package rank

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const executorQueueSize = 8192

// Executor is the single goroutine every transaction step runs on. Lock
// tables, drivers and grant registries are plain data because only this
// goroutine touches them; anything that blocks (journal flushes, peer
// acks, timers) happens elsewhere and resubmits its continuation here.
type Executor struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewExecutor() *Executor {
	e := &Executor{
		tasks: make(chan func(), executorQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit queues fn for execution. Returns false after Stop; a true return
// guarantees fn runs, even if Stop lands right after.
func (e *Executor) Submit(fn func()) bool {
	select {
	case <-e.stop:
		return false
	default:
	}
	select {
	case e.tasks <- fn:
		return true
	case <-e.stop:
		return false
	}
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.stop:
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop drains the queue and shuts the loop down. Idempotent; blocks until
// the last queued task finished.
func (e *Executor) Stop() {
	e.once.Do(func() {
		close(e.stop)
		log.Debug().Msg("Rank executor stopping")
	})
	<-e.done
}
