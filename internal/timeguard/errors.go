package timeguard

import "errors"

var (
	errNoMembers     = errors.New("timeguard: no AVS members with a resolvable pubkey")
	errUnknownTx     = errors.New("timeguard: transaction not tracked")
	errNotLeader     = errors.New("timeguard: local node is not the fallback leader for this round")
	errStaleProposal = errors.New("timeguard: proposal round mismatch")
)
