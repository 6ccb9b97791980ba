// Package core manages the lifecycle of nested units of agent work.
//
// A Provider owns exactly one output adapter and one TaskStack. Tasks are
// created through CreateTaskInstance, pushed onto the stack and popped when they
// finish; the task on top is the only active one, every task below it is paused
// waiting for its child. After every stack mutation or global-state update the
// Provider pushes a full state snapshot through the adapter.
//
// Provider methods are meant to be called in sequence by one logical caller per
// stack (one REPL loop, one HTTP job). The mutex inside Provider only keeps
// concurrent readers memory-safe; it does not order competing writers.
package core
