package book_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderush/condor-engine/internal/book"
)

func TestTemplateValidate(t *testing.T) {
	valid := hitTemplate()
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.ID = ""
	assert.ErrorIs(t, bad.Validate(), book.ErrInvalidTemplate)

	bad = valid
	bad.Mode = "sideways"
	assert.ErrorIs(t, bad.Validate(), book.ErrInvalidTemplate)

	bad = valid
	bad.WidthPct = decimal.Zero
	assert.ErrorIs(t, bad.Validate(), book.ErrInvalidTemplate)

	bad = valid
	bad.Multiplier = decimal.NewFromInt(1)
	assert.ErrorIs(t, bad.Validate(), book.ErrInvalidTemplate)

	bad = valid
	bad.WindowColumns = 0
	assert.ErrorIs(t, bad.Validate(), book.ErrInvalidTemplate)
}

func TestTemplateStrikes(t *testing.T) {
	tmpl := hitTemplate() // offset +10%, width 5%
	lower, upper := tmpl.Strikes(decimal.NewFromInt(100))
	assert.True(t, lower.Equal(d(107.5)), "lower = %s", lower)
	assert.True(t, upper.Equal(d(112.5)), "upper = %s", upper)

	condor := condorTemplate() // centered, width 10%
	lower, upper = condor.Strikes(decimal.NewFromInt(100))
	assert.True(t, lower.Equal(d(95)))
	assert.True(t, upper.Equal(d(105)))
}

func TestRegistryUpdateAndToggle(t *testing.T) {
	reg, err := book.NewRegistry(hitTemplate())
	require.NoError(t, err)

	require.NoError(t, reg.SetEnabled("hit", false))
	assert.Empty(t, reg.Enabled())

	updated := hitTemplate()
	updated.Multiplier = d(3.0)
	require.NoError(t, reg.Update("hit", updated))

	got, err := reg.Get("hit")
	require.NoError(t, err)
	assert.True(t, got.Multiplier.Equal(d(3.0)))

	// Unknown IDs are rejected everywhere.
	assert.ErrorIs(t, reg.SetEnabled("nope", true), book.ErrUnknownTemplate)
	assert.ErrorIs(t, reg.Update("nope", hitTemplate()), book.ErrUnknownTemplate)
	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, book.ErrUnknownTemplate)

	// Invalid parameters never enter the registry.
	broken := hitTemplate()
	broken.Multiplier = decimal.Zero
	assert.ErrorIs(t, reg.Update("hit", broken), book.ErrInvalidTemplate)
}
