package monitoring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotiles/tileserv/internal/cache/cachetest"
	"github.com/ecotiles/tileserv/internal/catalog"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker()
	c.Add("a", true, func(context.Context) error { return nil })
	c.Add("b", false, func(context.Context) error { return nil })

	report := c.Run(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, "a", report.Components[0].Name)
	assert.Equal(t, StatusHealthy, report.Components[0].Status)
	assert.Empty(t, report.Components[0].Error)
	assert.False(t, report.CheckedAt.IsZero())
}

func TestChecker_NonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.Add("a", true, func(context.Context) error { return nil })
	c.Add("b", false, func(context.Context) error { return eris.New("down") })

	report := c.Run(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Components[1].Status)
	assert.Equal(t, "down", report.Components[1].Error)
}

func TestChecker_CriticalFailureUnhealthy(t *testing.T) {
	c := NewChecker()
	c.Add("a", true, func(context.Context) error { return eris.New("gone") })
	c.Add("b", false, func(context.Context) error { return eris.New("down") })

	report := c.Run(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Components[0].Status)
	assert.Equal(t, StatusDegraded, report.Components[1].Status)
}

func TestRegisterDefaultChecks(t *testing.T) {
	store, err := catalog.NewSQLite(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	l2 := cachetest.NewFakeL2()
	l3 := cachetest.NewFakeL3()
	l3.Down = true

	c := NewChecker()
	RegisterDefaultChecks(c, l2, l3, store, nil)

	report := c.Run(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Components, 3)

	byName := map[string]ComponentHealth{}
	for _, comp := range report.Components {
		byName[comp.Name] = comp
	}
	assert.Equal(t, StatusHealthy, byName["l2"].Status)
	assert.Equal(t, StatusHealthy, byName["catalog"].Status)
	assert.Equal(t, StatusDegraded, byName["l3"].Status)
}
