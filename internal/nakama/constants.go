package nakama

const (
	// MatchName is the authoritative match handler name registered with Nakama.
	MatchName = "ugc_match"

	// RpcCreateMatch is the RPC id clients call to start a match for a package.
	RpcCreateMatch = "ugc_create_match"

	// PackageCollection is the storage collection holding published domain sources.
	PackageCollection = "ugc_packages"
)

// Op codes for bridge frames. Each carries one JSON envelope.
const (
	// Client -> Server
	OpViewFrame int64 = 1

	// Server -> Client, sent privately to the owning presence
	OpHostFrame int64 = 101
)

const (
	tickRate = 5
	// idleTicks is how long a match may run with nobody connected.
	idleTicks = 60 * tickRate
	// inboxSize bounds frames queued for one presence between ticks.
	inboxSize = 64
)
