package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccumulator_OrderAndFilter(t *testing.T) {
	acc := NewAccumulator()
	acc.Info("parse", "recovered", "treated command as plain prompt call")
	acc.Warn("framework", "unknown_framework", "framework @NOPE is not registered", "use one of CAGEERF, ReACT")
	acc.Error("execute", "render_failed", "missing argument topic", "")
	acc.Warn("gates", "excluded", "gate content-structure excluded", "")

	assert.Equal(t, 4, acc.Len())
	assert.True(t, acc.HasErrors())

	warn := acc.AtLeast(SeverityWarning)
	if assert.Len(t, warn, 3) {
		assert.Equal(t, "render_failed", warn[0].Code)
		assert.Equal(t, "unknown_framework", warn[1].Code)
		assert.Equal(t, "excluded", warn[2].Code)
	}

	assert.Len(t, acc.Since(2), 2)
	assert.Nil(t, acc.Since(10))
	assert.False(t, acc.All()[0].At.IsZero())
}

func TestAccumulator_AllIsCopy(t *testing.T) {
	acc := NewAccumulator()
	acc.Info("plan", "single", "single prompt execution")
	all := acc.All()
	all[0].Code = "mutated"
	assert.Equal(t, "single", acc.All()[0].Code)
}

func TestDiagnostic_String(t *testing.T) {
	d := Diagnostic{Severity: SeverityWarning, Stage: "parse", Code: "style", Message: "unknown style #loud", Hint: "drop the #style operator"}
	assert.Equal(t, "[warning] parse/style: unknown style #loud (drop the #style operator)", d.String())
}
