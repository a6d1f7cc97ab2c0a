package harness

import (
	"log/slog"
	"sync"

	"github.com/nadzzz/ttsbridge/internal/backend"
)

// Worker verbs, matching the backend operation names they dispatch to.
const (
	verbSayTextAsync = "say_text_asynchro"
	verbSayKeyAsync  = "say_key_asynchro"
	verbSayCharAsync = "say_char_asynchro"
	verbSayIconAsync = "say_icon_asynchro"
)

// request is one unit of asynchronous work. format is only meaningful
// for say_text_asynchro.
type request struct {
	verb    string
	payload string
	format  backend.MessageFormat
}

// worker runs asynchronous backend operations off the command thread.
// The handoff is a single-slot rendezvous, not a queue: a producer that
// finds the slot occupied overwrites it and the consumer only ever picks
// up the latest request. The protocol does not pipeline — the controller
// waits for the 204 reply before posting again — so an overwrite can
// only happen when the controller misbehaves, and then last-writer-wins.
type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *request

	table backend.Table
}

func newWorker(table backend.Table) *worker {
	w := &worker{table: table}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// post places a request in the slot and wakes the worker. Called from the
// command goroutine with the output mutex held; it never blocks.
func (w *worker) post(verb string, format backend.MessageFormat, payload string) {
	w.mu.Lock()
	w.pending = &request{verb: verb, payload: payload, format: format}
	w.cond.Signal()
	w.mu.Unlock()
}

// run is the worker loop. It waits on the rendezvous, snapshots and
// clears the slot, then calls the backend outside the lock; the backend
// call may block arbitrarily long. The loop never returns — the worker
// dies with the process.
func (w *worker) run() {
	for {
		w.mu.Lock()
		for w.pending == nil {
			w.cond.Wait()
		}
		req := w.pending
		w.pending = nil
		w.mu.Unlock()

		w.dispatch(req)
	}
}

func (w *worker) dispatch(req *request) {
	var err error
	switch req.verb {
	case verbSayTextAsync:
		if w.table.SayTextAsync != nil {
			err = w.table.SayTextAsync(req.format, req.payload)
		}
	case verbSayKeyAsync:
		if w.table.SayKeyAsync != nil {
			err = w.table.SayKeyAsync(req.payload)
		}
	case verbSayCharAsync:
		if w.table.SayCharAsync != nil {
			err = w.table.SayCharAsync(req.payload)
		}
	case verbSayIconAsync:
		if w.table.SayIconAsync != nil {
			err = w.table.SayIconAsync(req.payload)
		}
	}
	if err != nil {
		// The 204 reply already went out; all that is left is the log.
		slog.Error("asynchronous driver call failed", "verb", req.verb, "error", err)
	}
}
