// Package engine implements the fluxq queue.
//
// All queue state is owned by one orchestration goroutine. Public methods
// and worker callbacks post closures to its mailbox; store calls run one at
// a time on separate goroutines through the write queue and report back
// through the mailbox. Push, Pause and Resume never wait for the loop, so
// they are safe to call from ticket listeners and process functions.
package engine
