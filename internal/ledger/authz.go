package ledger

import "errors"

// Mutating operations gated by the capability table.
const (
	OpOpen      = "open"
	OpReduce    = "reduce"
	OpLiquidate = "liquidate"
	OpResolve   = "resolve"
	OpIngest    = "ingest"
)

// ErrUnauthorized is returned when a caller lacks the capability for the
// operation it attempted.
var ErrUnauthorized = errors.New("ledger: caller not authorized for operation")

// Capabilities maps caller identities to the operations they may invoke.
// Absence means denial; there is no wildcard.
type Capabilities map[string]map[string]bool

// NewCapabilities builds a capability table from caller → granted ops.
func NewCapabilities(grants map[string][]string) Capabilities {
	caps := make(Capabilities, len(grants))
	for caller, ops := range grants {
		set := make(map[string]bool, len(ops))
		for _, op := range ops {
			set[op] = true
		}
		caps[caller] = set
	}
	return caps
}

// Allowed reports whether the caller holds the capability for op.
func (c Capabilities) Allowed(caller, op string) bool {
	return c[caller][op]
}
