/*
Package render is the rendering engine: page sessions, the page pool and
the render coordinator.

A Session owns one browser page and drives the per-render state machine
(configure, navigate, intercept, await readiness, extract, reset),
recycling itself after MaxIterations renders. The Pool bounds how many
pages exist at once and serves waiters FIFO. The Coordinator is the single
entry point: it canonicalizes the URL, consults the artifact cache, gates
acquisition behind the circuit breaker and enforces the render deadline.
*/
package render
