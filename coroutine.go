package stickyexec

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

type turnSignalKind int

const (
	signalSuspend turnSignalKind = iota
	signalDone
)

type turnSignal struct {
	kind    turnSignalKind
	results []interface{}
	err     error
}

// frameUnwind is panicked through user code when the frame is released while
// suspended, so the goroutine exits instead of lingering behind an abandoned
// await. Recovered at the frame top, never visible to callers.
type frameUnwind struct{}

// coroutineFrame is the suspended continuation of one workflow's logic,
// represented as an explicit object whose lifetime the cache controls: the
// goroutine behind it only runs between resume and yield, and release() always
// unwinds it. One frame per execution; a diverged or poisoned frame is replaced
// by a fresh replay, never merged.
type coroutineFrame struct {
	mu deadlock.Mutex

	exec     *WorkflowExecution
	handler  HandlerInfo
	registry *Registry

	resume   chan struct{}
	yielded  chan turnSignal
	released chan struct{}

	turn *stateless.StateMachine

	started  bool
	poisoned bool
	once     sync.Once

	// deterministic per-replay counters, they regenerate the same correlation
	// keys every time the same logic replays
	childSeq uint64
	timerSeq uint64

	maxSpawnsPerTurn int
	spawnsThisTurn   int
}

func newCoroutineFrame(exec *WorkflowExecution, handler HandlerInfo, registry *Registry, maxSpawnsPerTurn int) *coroutineFrame {
	return &coroutineFrame{
		exec:             exec,
		handler:          handler,
		registry:         registry,
		resume:           make(chan struct{}),
		yielded:          make(chan turnSignal, 1),
		released:         make(chan struct{}),
		turn:             newTurnFSM(),
		maxSpawnsPerTurn: maxSpawnsPerTurn,
	}
}

func (f *coroutineFrame) isPoisoned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.poisoned
}

func (f *coroutineFrame) turnState() TurnState {
	return f.turn.MustState().(TurnState)
}

// release unwinds the frame's goroutine wherever it is suspended and drops the
// continuation. Idempotent; called only from cache eviction or frame
// replacement.
func (f *coroutineFrame) release() {
	f.once.Do(func() {
		close(f.released)
	})
}

func (f *coroutineFrame) nextChildSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childSeq++
	return f.childSeq
}

func (f *coroutineFrame) nextTimerSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timerSeq++
	return f.timerSeq
}

func (f *coroutineFrame) countSpawn() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnsThisTurn++
	return f.spawnsThisTurn
}

// advance resumes the frame and waits for it to reach a yield point or return,
// within the stall budget. The budget timer is the only per-turn state; it
// exists for the duration of this call and nowhere else.
func (f *coroutineFrame) advance(budget time.Duration) (turnSignal, error) {
	f.mu.Lock()
	if f.poisoned {
		f.mu.Unlock()
		return turnSignal{}, errors.Join(ErrPotentialDeadlock, fmt.Errorf("frame is poisoned"))
	}
	f.spawnsThisTurn = 0
	starting := !f.started
	f.started = true
	f.mu.Unlock()

	if starting {
		go f.run()
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	select {
	case f.resume <- struct{}{}:
	case <-deadline.C:
		f.poison()
		return turnSignal{}, errors.Join(ErrPotentialDeadlock, fmt.Errorf("frame did not accept resume within %s", budget))
	}

	select {
	case sig := <-f.yielded:
		return sig, nil
	case <-deadline.C:
		f.poison()
		return turnSignal{}, errors.Join(ErrPotentialDeadlock, fmt.Errorf("no suspension point reached within %s", budget))
	}
}

func (f *coroutineFrame) poison() {
	f.mu.Lock()
	f.poisoned = true
	f.mu.Unlock()
}

// run executes the workflow function once, from the top. All fast-forwarding
// over already-recorded history happens inside the context operations, which
// consult the execution's accumulated state before suspending.
func (f *coroutineFrame) run() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(frameUnwind); ok {
				return
			}
			err := errors.Join(ErrWorkflowPanicked, fmt.Errorf("%v", r))
			logger.Error(context.Background(), err.Error(), "frame.run_id", f.exec.runID)
			f.deliver(turnSignal{kind: signalDone, err: err})
		}
	}()

	// wait for the first resume so the scheduler owns every bit of progress
	select {
	case <-f.resume:
	case <-f.released:
		return
	}

	results, err := f.call()
	f.deliver(turnSignal{kind: signalDone, results: results, err: err})
}

func (f *coroutineFrame) call() ([]interface{}, error) {
	f.exec.mu.Lock()
	rawInputs := f.exec.inputs
	f.exec.mu.Unlock()

	inputs, err := convertInputsFromSerialization(f.handler, rawInputs)
	if err != nil {
		return nil, err
	}

	wctx := WorkflowContext{
		exec:     f.exec,
		frame:    f,
		registry: f.registry,
	}

	args := []reflect.Value{reflect.ValueOf(wctx)}
	for _, input := range inputs {
		args = append(args, reflect.ValueOf(input))
	}

	returns := reflect.ValueOf(f.handler.Handler).Call(args)

	var callErr error
	if last := returns[len(returns)-1]; !last.IsNil() {
		callErr = last.Interface().(error)
	}

	results := []interface{}{}
	for i := 0; i < len(returns)-1; i++ {
		results = append(results, returns[i].Interface())
	}

	return results, callErr
}

func (f *coroutineFrame) deliver(sig turnSignal) {
	select {
	case f.yielded <- sig:
	case <-f.released:
	}
}

// suspend is called from inside workflow logic at a yield point: it hands
// control back to the scheduler and blocks until the next turn resumes the
// frame. If the frame is released meanwhile, the goroutine unwinds.
func (f *coroutineFrame) suspend() {
	select {
	case f.yielded <- turnSignal{kind: signalSuspend}:
	case <-f.released:
		panic(frameUnwind{})
	}

	select {
	case <-f.resume:
	case <-f.released:
		panic(frameUnwind{})
	}
}

// park blocks the frame without reaching a yield point, on purpose: past the
// per-turn spawn guard the scheduler is starved by construction, and the stall
// detector is the component that must report it. The goroutine exits on
// release.
func (f *coroutineFrame) park() {
	<-f.released
	panic(frameUnwind{})
}
