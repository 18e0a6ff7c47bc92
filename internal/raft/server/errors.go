package server

import "errors"

var (
	// ErrPeerUnreachable wraps every transport level failure of an outbound RPC. The caller logs it and treats the
	// peer as having abstained.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrStaleTerm is reported when a request carries a term lower than the receiver's.
	ErrStaleTerm = errors.New("stale term")
	// ErrLogMismatch is reported when a follower has no entry matching the previous index and term of a replicated
	// block.
	ErrLogMismatch = errors.New("log mismatch")
	// ErrLogConflict is reported when a follower already holds a different block at the replicated index.
	ErrLogConflict = errors.New("log conflict")
	// ErrNotLeader is returned by operations that only the leader may serve.
	ErrNotLeader = errors.New("not leader")
	// ErrNoLeader is returned when a follower has no leader to forward a client append to.
	ErrNoLeader = errors.New("no leader known")
)
