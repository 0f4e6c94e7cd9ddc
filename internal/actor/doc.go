// Package actor implements the per-key fanout actors.
//
// Every key (tenant, store) gets one goroutine that owns a Registry of live sessions.
// Connects, broadcasts, heartbeats and reaping for that key are commands on the
// actor's mailbox, so the Registry and every Session are only touched by that
// goroutine and need no locks. The Manager activates actors on demand, caps their
// number, optionally guards each key with a cross-instance lease and passivates
// actors that have been empty for a while.
package actor
