// Package eventloop provides the execution contexts the server dispatches
// user callbacks onto.
//
// A Group owns a fixed set of Loops. Each Loop is one goroutine draining a
// FIFO task queue, so everything scheduled on it runs single-threaded and in
// order. A Context is the handle user code is bound to:
//
//   - event-loop contexts run tasks on their loop
//   - worker contexts run tasks serially on their own goroutine, where
//     blocking is allowed, but keep an affinity loop for handler selection
//   - multi-threaded worker contexts run each task on a fresh goroutine
//
// RunAndWait is how connection goroutines hand inbound messages to user
// code: the connection waits for the callback, which keeps the messages of
// one connection ordered and never concurrent.
package eventloop
