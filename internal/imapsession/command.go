// Package imapsession implements the per-connection IMAP session state
// machine: which messages are known to exist, which UIDs have been
// expunged but not yet announced, which flag changes are pending
// announcement, and the queue of in-flight commands that gates when an
// untagged EXPUNGE or FETCH may safely be sent. Getting the emission
// order wrong corrupts a client's idea of message sequence numbers, so
// this package concentrates every rule about *when* an untagged response
// may go out in one place.
package imapsession

// Group identifies which class of concurrency behavior a command
// belongs to, used to decide whether an untagged EXPUNGE may be
// interleaved with it.
type Group int

const (
	// GroupSerial commands (group 0) run alone; nothing else executes
	// concurrently with them.
	GroupSerial Group = iota
	// GroupFetchLike commands (group 1) read message data and tolerate
	// concurrent EXPUNGE/FETCH traffic.
	GroupFetchLike
	// GroupNoExpunge commands (group 2) may run concurrently with other
	// commands but must not observe an EXPUNGE while they're pending.
	GroupNoExpunge
	// GroupFlagMutating commands (group 3) change flags and, like group
	// 2, block EXPUNGE until they finish.
	GroupFlagMutating
)

// State is a command's position in the Parsing -> Executing -> Finished
// -> Retired lifecycle.
type State int

const (
	StateParsing State = iota
	StateExecuting
	StateFinished
	StateRetired
)

// Command is the minimal view of an in-flight IMAP command the session
// needs to decide whether it's safe to emit an untagged EXPUNGE or flag
// update: its name, lifecycle state, concurrency group, and whether it
// addresses messages by MSN (in which case an EXPUNGE would invalidate
// the MSNs it's still using).
type Command struct {
	Name    string
	State   State
	Group   Group
	UsesMSN bool
}
