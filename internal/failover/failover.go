// Package failover holds the client-side fallback policy: for a shard
// currently addressed at a primary, the ordered list
// of other replica addresses to probe on failure. Ring-level mutation
// from a successful fallback is the caller's decision (internal/carp
// already exposes SetFallback for it); this package only decides which
// address to try next and in what order.
package failover

import "github.com/dreamware/carpkv/internal/carp"

// Plan is the ordered list of addresses to try for one shard, primary
// first.
type Plan struct {
	Primary   string
	Fallbacks []string
}

// PlanFor builds the ordered probe list for addr from ring: addr
// itself, then ring's recorded fallbacks for addr in list order. The
// ring is the client's local cache, so this reflects whatever ring
// mutations previous fallbacks have already recorded.
func PlanFor(ring *carp.Ring, addr string) Plan {
	return Plan{Primary: addr, Fallbacks: ring.Fallbacks(addr)}
}

// Addresses returns the full probe order: primary then fallbacks.
func (p Plan) Addresses() []string {
	out := make([]string, 0, 1+len(p.Fallbacks))
	out = append(out, p.Primary)
	out = append(out, p.Fallbacks...)
	return out
}
