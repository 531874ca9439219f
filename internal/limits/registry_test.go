package limits

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
)

type stubLoader struct {
	limits []domain.Limit
	err    error
}

func (s stubLoader) LoadLimits(ctx context.Context) ([]domain.Limit, error) {
	return s.limits, s.err
}

func TestGetLimit_ReturnsConfiguredCaps(t *testing.T) {
	reg, err := New(Defaults()...)
	require.NoError(t, err)

	l, err := reg.GetLimit(domain.OperationTransfer)
	require.NoError(t, err)
	assert.True(t, l.SingleCap.Equal(decimal.NewFromInt(8000)))
	assert.True(t, l.DailyCap.Equal(decimal.NewFromInt(80000)))
}

func TestGetLimit_MissingTypeIsNotConfigured(t *testing.T) {
	reg, err := New(domain.Limit{
		Operation: domain.OperationWithdraw,
		SingleCap: decimal.NewFromInt(1),
		DailyCap:  decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	_, err = reg.GetLimit(domain.OperationDeposit)
	if !errors.Is(err, ErrLimitNotConfigured) {
		t.Fatalf("expected ErrLimitNotConfigured, got %v", err)
	}
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		limit domain.Limit
	}{
		{
			name:  "unknown operation",
			limit: domain.Limit{Operation: "loan", SingleCap: decimal.NewFromInt(1), DailyCap: decimal.NewFromInt(1)},
		},
		{
			name:  "negative single cap",
			limit: domain.Limit{Operation: domain.OperationWithdraw, SingleCap: decimal.NewFromInt(-1), DailyCap: decimal.NewFromInt(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.limit); err == nil {
				t.Fatalf("expected error for %+v", tt.limit)
			}
		})
	}
}

func TestLoad_PropagatesLoaderError(t *testing.T) {
	_, err := Load(context.Background(), stubLoader{err: errors.New("db down")})
	require.Error(t, err)
}

func TestLoad_BuildsRegistryFromLoader(t *testing.T) {
	reg, err := Load(context.Background(), stubLoader{limits: Defaults()})
	require.NoError(t, err)

	l, err := reg.GetLimit(domain.OperationWithdraw)
	require.NoError(t, err)
	assert.Equal(t, "10000", l.SingleCap.String())
}
