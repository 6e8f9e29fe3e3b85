package peer

import (
	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/peer/session"
	"Go2NatPeer/internal/peer/wire"
)

// Errors reported by the engine's collaborators, re-exported so callers
// can test for them with errors.Is without importing every package.
var (
	// Resource exhaustion.
	ErrPortExhausted = session.ErrPortExhausted
	ErrNoTuple       = session.ErrNoTuple
	ErrCreate        = session.ErrCreate
	ErrHeaderFull    = protocol.ErrHeaderFull

	// Protocol violations.
	ErrSessionUsed     = session.ErrSessionUsed
	ErrStaleSeq        = session.ErrStaleSeq
	ErrNotConnected    = session.ErrNotConnected
	ErrMalformedOption = wire.ErrMalformed
	ErrEncrypted       = wire.ErrEncrypted
	ErrProbeMismatch   = registry.ErrProbeMismatch
	ErrUnknownServer   = registry.ErrUnknownServer

	// Invariant violations.
	ErrTagMismatch = session.ErrTagMismatch
	ErrClash       = conntrack.ErrClash
)
