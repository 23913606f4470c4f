// Package crawler defines the job model shared by every subsystem: job and
// result types, the job state machine, typed service errors and the store,
// queue and agent interfaces.
package crawler
