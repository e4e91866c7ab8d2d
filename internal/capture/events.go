package capture

import "sync"

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evSave
	evClear
	evQuery
	evClose

	evEngineStart
	evEngineEnd
	evEngineError
	evEngineResult

	evRestartDue
	evHeartbeatDue
	evAutosaveDue
	evStopDeadline
	evSaveDone
)

// event is one input to the state machine. run carries the engine run id for
// engine callbacks and the task generation for timer expiries.
type event struct {
	kind     eventKind
	run      uint64
	info     SessionInfo
	code     ErrorCode
	results  []Result
	saveKind SaveKind
	snap     Snapshot
	err      error
	reply    chan reply
}

type reply struct {
	err  error
	snap Snapshot
}

func (e event) respond(r reply) {
	if e.reply != nil {
		e.reply <- r
	}
}

// eventQueue is an unbounded FIFO. Producers never block, so an engine may
// deliver callbacks synchronously from inside Start or Stop.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// engineHandler tags callbacks with the run they belong to.
type engineHandler struct {
	queue *eventQueue
	run   uint64
}

func (h *engineHandler) OnStart() {
	h.queue.push(event{kind: evEngineStart, run: h.run})
}

func (h *engineHandler) OnEnd() {
	h.queue.push(event{kind: evEngineEnd, run: h.run})
}

func (h *engineHandler) OnError(code ErrorCode) {
	h.queue.push(event{kind: evEngineError, run: h.run, code: code})
}

func (h *engineHandler) OnResult(results []Result) {
	h.queue.push(event{kind: evEngineResult, run: h.run, results: results})
}
