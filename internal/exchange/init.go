package exchange

import (
	"context"
	"fmt"

	"github.com/jinshui820/partx/internal/classify"
	"github.com/jinshui820/partx/internal/quiesce"
)

// Init runs the init phase (spec §2 step 1, §4.2): snapshot membership,
// pick the coordinator, classify the event, update per-group topology
// metadata, and decide the exchange type. On ExchangeType other than All
// the quiesce phase is skipped entirely.
//
// quiesceFutures supplies the partition-release/finish-locks futures for
// ALL-type exchanges (spec §4.3); callers pass nil for CLIENT/NONE events.
func (e *Exchange) Init(ctx context.Context, snapshot []Node, quiesceFutures []quiesce.Future, qcfg quiesce.Config, dumper quiesce.Dumper) (classify.ExchangeType, error) {
	e.mu.Lock()
	e.discoSnapshot = snapshot
	for _, n := range snapshot {
		if !n.Client {
			e.srvNodes = append(e.srvNodes, n)
		}
	}
	e.crd = lowestOrdered(e.srvNodes)
	isCrd := e.crd == e.localID
	e.mu.Unlock()

	ce := classify.Event{
		Kind:           e.initialEvent.Kind,
		NodeIsClient:   e.initialEvent.IsClient,
		LocalIsClient:  e.localClient,
		LocalNodeID:    e.localID,
		AffectedNodeID: e.initialEvent.NodeID,
	}
	exType := classify.Classify(ce)

	if classify.CentralizedAffinity(ce) && e.affinity != nil {
		e.mu.Lock()
		e.centralizedAff = e.affinity.OnServerLeft(e.initialEvent.NodeID)
		e.mu.Unlock()
	}

	if exType == classify.None {
		e.completeImmediately(e.ID.TopologyVersion)
		return exType, nil
	}

	// Pre-exchange topology update (spec §4.2): bump every group's
	// version and invoke beforeExchange under the caller's checkpoint
	// read lock (acquired by the caller around this call, per spec's
	// "done under the store's checkpoint read lock" note — persistence
	// ownership of that lock lives outside this package, spec §6).
	e.mu.Lock()
	centralized := e.centralizedAff
	e.mu.Unlock()
	for _, g := range e.groups {
		g.BeforeExchange(e.ID, centralized)
	}

	switch exType {
	case classify.Client:
		e.mu.Lock()
		e.state = StateClient
		e.mu.Unlock()
		return exType, nil
	case classify.All:
		e.mu.Lock()
		if isCrd {
			e.state = StateCRD
			e.remaining = make(map[string]bool, len(e.srvNodes))
			for _, n := range e.srvNodes {
				if n.ID != e.localID {
					e.remaining[n.ID] = true
				}
			}
		} else {
			e.state = StateSRV
		}
		e.mu.Unlock()

		if len(quiesceFutures) > 0 {
			if err := quiesce.Wait(ctx, quiesceFutures, qcfg, dumper, e.log); err != nil {
				return exType, fmt.Errorf("quiesce wait: %w", err)
			}
		}

		if isCrd {
			e.drainPendingSingleMsgs()
			e.maybeDecide()
		}
		return exType, nil
	default:
		e.completeImmediately(e.ID.TopologyVersion)
		return exType, nil
	}
}
