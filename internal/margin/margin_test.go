package margin_test

import (
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/margin"
	"github.com/traderush/condor-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newService(t *testing.T, starting float64) (*margin.Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(d(starting), d(1000000), slog.Default())
	return margin.NewService(l, slog.Default()), l
}

func TestApplyFillDebitsCollateral(t *testing.T) {
	svc, l := newService(t, 1000)
	l.Initialize("u1")

	res := svc.ApplyFill("u1", d(250), model.TF5s)
	require.True(t, res.Success)
	assert.True(t, res.Balance.Equal(d(750)))
	assert.True(t, l.GetAvailable("u1").Equal(d(750)))
}

func TestApplyFillRejectedLeavesLedgerUntouched(t *testing.T) {
	svc, l := newService(t, 100)
	l.Initialize("u1")

	violations, cancel := svc.Violations()
	defer cancel()

	res := svc.ApplyFill("u1", d(500), model.TF1s)
	require.False(t, res.Success)

	snap := l.GetSnapshot("u1")
	assert.True(t, snap.Available.Equal(d(100)))
	assert.Equal(t, uint64(1), snap.Version)

	v := <-violations
	assert.Equal(t, "u1", v.UserID)
	assert.True(t, v.Required.Equal(d(500)))
	assert.True(t, v.Available.Equal(d(100)))
}

func TestValidateIsPureRead(t *testing.T) {
	svc, l := newService(t, 100)
	l.Initialize("u1")

	assert.True(t, svc.Validate("u1", d(100)))
	assert.False(t, svc.Validate("u1", d(101)))

	snap := l.GetSnapshot("u1")
	assert.Equal(t, uint64(1), snap.Version)
}

func TestSettlePayoutCredits(t *testing.T) {
	svc, l := newService(t, 1000)
	l.Initialize("u1")

	balance, err := svc.SettlePayout("u1", d(160), "settle:c1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(1160)))
}
