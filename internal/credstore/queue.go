package credstore

// continuationKind tags a queued hash request with what to do once the hasher
// subprocess answers, per spec §4.C's verify/persist continuations. This replaces the
// original implementation's function-pointer/void-arg callback chain with an explicit
// tagged variant, per the "callback-threaded flows" design note.
type continuationKind int

const (
	continuationVerify continuationKind = iota
	continuationPersist
)

// hashRequest is one FIFO queue node: a snapshot of everything the continuation needs,
// taken at enqueue time so a user quitting mid-hash can never leave a dangling
// reference (per the "stale user pointer" design note).
type hashRequest struct {
	account      string
	password     []byte
	salt         [16]byte
	myHash       [32]byte // stored hash to compare against, for continuationVerify
	createdTS    int64
	continuation continuationKind

	// reply delivers the final outcome once the continuation has run, along with the
	// account's created_ts (0 for continuationPersist, where it is not meaningful) so
	// callers like the AUTH command can broadcast it without a second round trip.
	reply func(Outcome, int64)
}
