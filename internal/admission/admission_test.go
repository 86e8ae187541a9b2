package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mangatrack/internal/jobs"
	"mangatrack/pkg/models"
)

type fakeBacklog struct {
	depth jobs.Depth
	err   error
}

func (f *fakeBacklog) BacklogDepth(ctx context.Context) (jobs.Depth, error) {
	return f.depth, f.err
}

type fakeBindings struct {
	byID map[string]*models.SourceBinding
	err  error
}

func (f *fakeBindings) GetBinding(ctx context.Context, id string) (*models.SourceBinding, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

func newController(depth int) *Controller {
	return NewController(
		&fakeBacklog{depth: jobs.Depth{Waiting: depth}},
		&fakeBindings{byID: map[string]*models.SourceBinding{}},
	)
}

func TestDecide_EmptyBacklogAdmitsTierC(t *testing.T) {
	d := newController(0).Decide(context.Background(), "s1", models.TierC, ReasonPeriodic)
	assert.True(t, d.Allowed)
	assert.Equal(t, PriorityBulk, d.Priority)
}

func TestDecide_MidBacklogShedsTierC(t *testing.T) {
	c := newController(6000)
	ctx := context.Background()

	d := c.Decide(ctx, "s1", models.TierC, ReasonPeriodic)
	assert.False(t, d.Allowed)

	d = c.Decide(ctx, "s1", models.TierB, ReasonPeriodic)
	assert.False(t, d.Allowed, "tier B shed above 5000")

	d = c.Decide(ctx, "s1", models.TierA, ReasonPeriodic)
	assert.True(t, d.Allowed, "tier A survives until 10000")
	assert.Equal(t, PriorityPeriodic, d.Priority)
}

func TestDecide_TierBShedOnlyAboveSecondCutoff(t *testing.T) {
	c := newController(3000)
	ctx := context.Background()

	assert.False(t, c.Decide(ctx, "s1", models.TierC, ReasonPeriodic).Allowed)
	assert.True(t, c.Decide(ctx, "s1", models.TierB, ReasonPeriodic).Allowed)
}

func TestDecide_FullBacklogShedsAllPeriodic(t *testing.T) {
	c := newController(11000)
	ctx := context.Background()

	assert.False(t, c.Decide(ctx, "s1", models.TierA, ReasonPeriodic).Allowed)

	// direct intent is never load-shed
	d := c.Decide(ctx, "s1", models.TierC, ReasonDiscovery)
	assert.True(t, d.Allowed)
	assert.Equal(t, PriorityDirect, d.Priority)

	d = c.Decide(ctx, "s1", models.TierA, ReasonUserRequest)
	assert.True(t, d.Allowed)
	assert.Equal(t, PriorityDirect, d.Priority)

	d = c.Decide(ctx, "s1", models.TierB, ReasonGapRecovery)
	assert.True(t, d.Allowed)
}

func TestDecide_TierAOneShot(t *testing.T) {
	ctx := context.Background()
	bindings := &fakeBindings{byID: map[string]*models.SourceBinding{
		"s1": {ID: "s1", Tier: models.TierA},
	}}
	c := NewController(&fakeBacklog{depth: jobs.Depth{Waiting: 100}}, bindings)

	d := c.Decide(ctx, "s1", models.TierA, ReasonPeriodic)
	assert.True(t, d.Allowed, "first periodic attempt admitted")

	now := time.Now()
	bindings.byID["s1"].LastSuccessAt = &now

	d = c.Decide(ctx, "s1", models.TierA, ReasonPeriodic)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "one-shot")

	// user intent re-triggers a consumed tier A source
	d = c.Decide(ctx, "s1", models.TierA, ReasonUserRequest)
	assert.True(t, d.Allowed)
}

func TestDecide_OracleFailureFailsOpen(t *testing.T) {
	c := NewController(
		&fakeBacklog{err: errors.New("queue unreachable")},
		&fakeBindings{byID: map[string]*models.SourceBinding{}},
	)
	d := c.Decide(context.Background(), "s1", models.TierC, ReasonPeriodic)
	assert.True(t, d.Allowed, "broken oracle must not starve admission")
}

func TestDecide_UnknownTierDegradesToTierC(t *testing.T) {
	d := newController(3000).Decide(context.Background(), "s1", models.Tier("Z"), ReasonPeriodic)
	assert.False(t, d.Allowed, "unknown tier gets the most conservative treatment")

	d = newController(0).Decide(context.Background(), "s1", models.Tier("Z"), ReasonPeriodic)
	assert.True(t, d.Allowed)
	assert.Equal(t, PriorityBulk, d.Priority)
}

func TestDecide_UnknownReasonDenied(t *testing.T) {
	d := newController(0).Decide(context.Background(), "s1", models.TierA, Reason("WHIM"))
	assert.False(t, d.Allowed)
}
