package autonomy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ops/helios/core/pkg/autonomy"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

type recorder struct {
	events   []string
	payloads []map[string]any
}

func (r *recorder) Append(event string, payload map[string]any) error {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestRun_GroupsAndOrders(t *testing.T) {
	rec := &recorder{}
	plan, err := autonomy.New(rec).Run([]contracts.TaskRecommendation{
		{ID: "t3", EventID: "e3", AssigneeDomain: "air", Priority: 2},
		{ID: "t1", EventID: "e1", AssigneeDomain: "air", Priority: 1},
		{ID: "t2", EventID: "e2", AssigneeDomain: "air", Priority: 1},
		{ID: "t4", EventID: "e4", AssigneeDomain: "sea", Priority: 3},
	})
	require.NoError(t, err)
	require.Len(t, plan.Plans, 2)

	air := plan.Plans["air"]
	require.Len(t, air, 3)
	// Priority ascending, ties broken by id.
	assert.Equal(t, "t1", air[0].ID)
	assert.Equal(t, "t2", air[1].ID)
	assert.Equal(t, "t3", air[2].ID)

	require.Equal(t, []string{"autonomy_plan"}, rec.events)
	assert.Equal(t, []string{"air", "sea"}, rec.payloads[0]["domains"])
}

func TestRun_EmptyTasks(t *testing.T) {
	rec := &recorder{}
	plan, err := autonomy.New(rec).Run(nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Plans)
	assert.Equal(t, []string{"autonomy_plan"}, rec.events)
}
