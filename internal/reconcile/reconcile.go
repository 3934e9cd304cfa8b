// Package reconcile implements the counter reconciler (spec §4.5 steps
// 1-3, §8 scenario 3), ported field-for-field from Apache Ignite's
// GridDhtPartitionsExchangeFuture.assignPartitionStates.
package reconcile

import (
	"github.com/jinshui820/partx/internal/topology"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

// counterWithNodes mirrors original_source's CounterWithNodes: the
// maximum applied counter seen for a partition, plus every node that
// reported it.
type counterWithNodes struct {
	cnt   int64
	nodes map[string]bool
}

// Result is what AssignPartitionStates hands back for one group: the
// nodes each partition must reload in full, and which partitions now have
// a WAL history supplier.
type Result struct {
	ToReload    map[int]map[string]bool // partition -> nodes that must reload
	HaveHistory map[int]bool
}

// LocalReservation is the local node's own WAL-reservation view, fed by
// the persistence collaborator's reserveHistoryForExchange (spec §6). A
// nil map means no local reservation info is available for this group.
type LocalReservation map[int]int64 // partition -> reserved-from counter

// HistorySupplierSink records a (node, partition) -> minCntr rebalance
// range, mirroring the full-message's PartitionHistSuppliers map.
type HistorySupplierSink func(nodeID string, partID int, fromCntr int64)

// AssignPartitionStates reconciles update counters across every
// collected single-message plus the local node's own partition view, and
// applies the resulting ownership to top via SetOwners.
//
// msgs is keyed by sender node id; top.LocalNodeID() identifies which
// entries in the local topology view belong to this node (so they get folded in
// alongside the peer reports, exactly as original_source's second loop
// over currentLocalPartitions does).
func AssignPartitionStates(
	top *topology.GroupTopology,
	groupID string,
	msgs map[string]xchgmsg.GroupReport,
	localReserved LocalReservation,
	sink HistorySupplierSink,
) Result {
	maxCntrs := make(map[int]*counterWithNodes)
	minCntrs := make(map[int]int64)

	for nodeID, report := range msgs {
		for p, entry := range report.Partitions {
			if entry.State != topology.StateOwning && entry.State != topology.StateMoving {
				continue
			}

			cntr := entry.Ctr.Applied
			if entry.State == topology.StateMoving {
				cntr = entry.Ctr.Initial
			}

			if existing, ok := minCntrs[p]; !ok || existing > cntr {
				minCntrs[p] = cntr
			}

			if entry.State != topology.StateOwning {
				continue
			}

			if mc, ok := maxCntrs[p]; !ok || cntr > mc.cnt {
				maxCntrs[p] = &counterWithNodes{cnt: cntr, nodes: map[string]bool{nodeID: true}}
			} else if cntr == mc.cnt {
				mc.nodes[nodeID] = true
			}
		}
	}

	// Fold in the local node's own reported partitions.
	for _, lp := range top.CurrentLocalPartitions() {
		if lp.State != topology.StateOwning && lp.State != topology.StateMoving {
			continue
		}
		cntr := lp.AppliedCounter
		if lp.State == topology.StateMoving {
			cntr = lp.InitialCounter
		}

		if existing, ok := minCntrs[lp.ID]; !ok || existing > cntr {
			minCntrs[lp.ID] = cntr
		}

		if lp.State != topology.StateOwning {
			continue
		}

		mc, ok := maxCntrs[lp.ID]
		switch {
		case !ok && cntr == 0:
			// Fresh-cluster tie-break: include any node that already
			// reports this partition as OWNING even at counter zero.
			cntrObj := &counterWithNodes{cnt: 0, nodes: map[string]bool{top.LocalNodeID(): true}}
			for nodeID, report := range msgs {
				if e, present := report.Partitions[lp.ID]; present && e.State == topology.StateOwning {
					cntrObj.nodes[nodeID] = true
				}
			}
			maxCntrs[lp.ID] = cntrObj
		case !ok || cntr > mc.cnt:
			maxCntrs[lp.ID] = &counterWithNodes{cnt: cntr, nodes: map[string]bool{top.LocalNodeID(): true}}
		case cntr == mc.cnt:
			mc.nodes[top.LocalNodeID()] = true
		}
	}

	entryLeft := len(maxCntrs)

	haveHistory := make(map[int]bool)

	for p, minCntr := range minCntrs {
		maxCntrObj := maxCntrs[p]
		var maxCntr int64
		if maxCntrObj != nil {
			maxCntr = maxCntrObj.cnt
		}

		// If the minimal counter is zero or matches the max, no node needs
		// history-based rebalance for this partition: it's either a clean
		// preload or everyone already agrees.
		if minCntr == 0 || minCntr == maxCntr {
			continue
		}

		if localReserved != nil {
			if localCntr, ok := localReserved[p]; ok && localCntr <= minCntr &&
				maxCntrObj != nil && maxCntrObj.nodes[top.LocalNodeID()] {
				if sink != nil {
					sink(top.LocalNodeID(), p, minCntr)
				}
				haveHistory[p] = true
				continue
			}
		}

		for nodeID, report := range msgs {
			histCntr, ok := report.HistoryCtr[p]
			if ok && histCntr <= minCntr && maxCntrObj != nil && maxCntrObj.nodes[nodeID] {
				if sink != nil {
					sink(nodeID, p, minCntr)
				}
				haveHistory[p] = true
				break
			}
		}
	}

	toReload := make(map[int]map[string]bool)

	for p, mc := range maxCntrs {
		entryLeft--

		if entryLeft != 0 && mc.cnt == 0 {
			continue
		}

		reloaded := top.SetOwners(p, mc.nodes, haveHistory[p], entryLeft == 0)
		if len(reloaded) > 0 {
			toReload[p] = reloaded
		}
	}

	return Result{ToReload: toReload, HaveHistory: haveHistory}
}
