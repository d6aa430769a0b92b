package persistence_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/persistence"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("workflow error unwraps to the sentinel", func(t *testing.T) {
		err := persistence.NewWorkflowError("Workflow", "triage", 3, persistence.ErrWorkflowNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(err))
		assert.Contains(t, err.Error(), "triage v3")
		assert.Contains(t, err.Error(), "workflow not found")
	})

	t.Run("call error unwraps to the sentinel", func(t *testing.T) {
		err := persistence.NewCallError("Handoff", "call-1", persistence.ErrHandoffNotFound)

		assert.True(t, persistence.IsHandoffNotFound(err))
		assert.False(t, persistence.IsCallNotFound(err))
		assert.Contains(t, err.Error(), "call-1")
	})

	t.Run("not found carries the fault kind", func(t *testing.T) {
		err := persistence.NotFound("file.routing_rules", persistence.ErrRoutingRulesNotFound, "h1/billing")

		assert.True(t, faults.Is(err, faults.KindNotFound))
		assert.True(t, errors.Is(err, persistence.ErrRoutingRulesNotFound))
		assert.True(t, persistence.IsRoutingRulesNotFound(err))
	})
}
