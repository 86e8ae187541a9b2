// Package admission decides whether a crawl request for a source binding
// may enter the job queue, based on who is asking and how deep the backlog
// already is. User intent and integrity recovery always pass; periodic
// background load is shed tier by tier as the queue fills.
package admission

import (
	"context"
	"fmt"
	"log"

	"mangatrack/internal/jobs"
	"mangatrack/pkg/models"
)

// Reason is why a crawl was requested.
type Reason string

const (
	ReasonPeriodic    Reason = "PERIODIC"
	ReasonDiscovery   Reason = "DISCOVERY"
	ReasonUserRequest Reason = "USER_REQUEST"
	ReasonGapRecovery Reason = "GAP_RECOVERY"
)

// Backlog depth cutoffs for periodic admission. Below the first everything
// runs; each further band sheds the lowest surviving tier.
const (
	depthShedTierC = 2500
	depthShedTierB = 5000
	depthShedAll   = 10000
)

// Priorities are advisory to the queue's dequeue order, lower is sooner.
const (
	PriorityDirect   = 1
	PriorityPeriodic = 2
	PriorityBulk     = 3
)

type Decision struct {
	Allowed  bool   `json:"allowed"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
}

// BacklogOracle reports how much queued work is already pending. The
// controller treats a failing oracle as a healthy queue.
type BacklogOracle interface {
	BacklogDepth(ctx context.Context) (jobs.Depth, error)
}

// BindingStore looks up the binding under admission, for the Tier A
// one-shot check.
type BindingStore interface {
	GetBinding(ctx context.Context, id string) (*models.SourceBinding, error)
}

type Controller struct {
	Backlog  BacklogOracle
	Bindings BindingStore
}

func NewController(backlog BacklogOracle, bindings BindingStore) *Controller {
	return &Controller{Backlog: backlog, Bindings: bindings}
}

// Decide evaluates the admission rules in order. It never errors: oracle
// and store failures degrade to permissive defaults, because refusing all
// admission during a monitoring outage would itself starve the crawlers.
func (c *Controller) Decide(ctx context.Context, sourceID string, tier models.Tier, reason Reason) Decision {
	// direct user intent and integrity recovery are never load-shed
	switch reason {
	case ReasonDiscovery, ReasonUserRequest, ReasonGapRecovery:
		return Decision{Allowed: true, Priority: PriorityDirect, Reason: string(reason)}
	case ReasonPeriodic:
	default:
		return Decision{Allowed: false, Priority: PriorityBulk, Reason: fmt.Sprintf("unknown reason %q", reason)}
	}

	depth := 0
	if d, err := c.Backlog.BacklogDepth(ctx); err != nil {
		// fail open: assume healthy rather than deadlock on a broken oracle
		log.Printf("[admission] backlog oracle failed, assuming healthy: %v", err)
	} else {
		depth = d.Total()
	}

	// a bad or future tier label degrades to the most conservative class
	if !tier.Known() {
		tier = models.TierC
	}

	if tier == models.TierA {
		if used, err := c.oneShotUsed(ctx, sourceID); err != nil {
			log.Printf("[admission] one-shot lookup failed for %s, assuming unused: %v", sourceID, err)
		} else if used {
			return Decision{Allowed: false, Priority: PriorityPeriodic, Reason: "tier A one-shot already consumed"}
		}
	}

	switch {
	case depth >= depthShedAll:
		return Decision{Allowed: false, Priority: PriorityBulk, Reason: fmt.Sprintf("backlog %d sheds all periodic", depth)}
	case depth >= depthShedTierB && tier != models.TierA:
		return Decision{Allowed: false, Priority: PriorityBulk, Reason: fmt.Sprintf("backlog %d sheds tier %s", depth, tier)}
	case depth >= depthShedTierC && tier == models.TierC:
		return Decision{Allowed: false, Priority: PriorityBulk, Reason: fmt.Sprintf("backlog %d sheds tier C", depth)}
	}

	prio := PriorityPeriodic
	if tier == models.TierC {
		prio = PriorityBulk
	}
	return Decision{Allowed: true, Priority: prio, Reason: "admitted"}
}

// oneShotUsed reports whether a Tier A binding has already had its single
// periodic crawl. A missing binding counts as unused.
func (c *Controller) oneShotUsed(ctx context.Context, sourceID string) (bool, error) {
	b, err := c.Bindings.GetBinding(ctx, sourceID)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	return b.LastSuccessAt != nil, nil
}
