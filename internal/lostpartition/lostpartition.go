// Package lostpartition implements lost-partition detection and reset
// (spec §4.5 step 4, §8 scenario 4), ported from
// GridDhtPartitionsExchangeFuture.detectLostPartitions/resetLostPartitions.
package lostpartition

import (
	"context"

	"github.com/jinshui820/partx/internal/exchid"
)

// Group is the subset of topology.GroupTopology the detector needs, kept
// as an interface so tests can substitute a fake.
type Group interface {
	ID() string
	NumParts() int
	Owners(p int) map[string]bool
	MarkLost(p int)
	ResetLostPartitions(ver exchid.TopologyVersion)
}

// Detect runs lost-partition detection over every group for the given
// result topology version. It marks every partition with no owner LOST,
// including one already LOST, and returns the ids of groups that had at
// least one such partition, which schedules a follow-up partition
// map resend (spec §4.5 step 4). Interruption (ctx cancellation) is
// honoured by exiting early; partial detection is fine, the exchange
// still completes (spec §5 "Cancellation and timeouts").
func Detect(ctx context.Context, groups []Group, resTopVer exchid.TopologyVersion) (affected []string) {
	for _, g := range groups {
		select {
		case <-ctx.Done():
			return affected
		default:
		}

		detected := false
		for p := 0; p < g.NumParts(); p++ {
			if len(g.Owners(p)) == 0 {
				g.MarkLost(p)
				detected = true
			}
		}
		if detected {
			affected = append(affected, g.ID())
		}
	}
	return affected
}

// Reset clears LOST state on the named groups, restoring normal ownership
// assignment on the next exchange.
func Reset(groups map[string]Group, names []string, ver exchid.TopologyVersion) {
	for _, name := range names {
		if g, ok := groups[name]; ok {
			g.ResetLostPartitions(ver)
		}
	}
}
