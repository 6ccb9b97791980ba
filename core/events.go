package core

import "sync"

// EventKind is the closed set of events a Provider emits.
type EventKind int

const (
	EventTaskCreated EventKind = iota
	EventTaskCompleted
	EventTaskAborted
	EventTaskToolFailed
	EventStateChanged
	eventKindCount
)

func (k EventKind) String() string {
	names := [...]string{"taskCreated", "taskCompleted", "taskAborted", "taskToolFailed", "stateChanged"}
	if !k.Valid() {
		return "unknown"
	}
	return names[k]
}

func (k EventKind) Valid() bool {
	return k >= 0 && k < eventKindCount
}

// Event is delivered to provider subscribers.
type Event struct {
	Kind       EventKind
	TaskID     string
	Task       Task           // EventTaskCreated
	ToolName   string         // EventTaskToolFailed
	Error      string         // EventTaskToolFailed
	TokenUsage map[string]any // EventTaskCompleted
	ChangeType string         // EventStateChanged
	Data       any            // EventStateChanged
}

type Listener func(Event)

type eventHub struct {
	mu        sync.RWMutex
	listeners map[EventKind]map[uint64]Listener
	nextID    uint64
}

func newEventHub() *eventHub {
	return &eventHub{listeners: make(map[EventKind]map[uint64]Listener)}
}

func (h *eventHub) subscribe(kind EventKind, fn Listener) func() {
	if !kind.Valid() || fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.listeners[kind] == nil {
		h.listeners[kind] = make(map[uint64]Listener)
	}
	h.listeners[kind][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners[kind], id)
	}
}

func (h *eventHub) emit(ev Event) {
	h.mu.RLock()
	fns := make([]Listener, 0, len(h.listeners[ev.Kind]))
	for _, fn := range h.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *eventHub) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = make(map[EventKind]map[uint64]Listener)
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.listeners {
		n += len(m)
	}
	return n
}
