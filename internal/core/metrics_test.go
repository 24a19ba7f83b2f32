package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated()
		m.SessionDestroyed(crawlers.ReasonCrashed)
		m.AcquireWaited(time.Second, nil)
		m.ObserveSubTarget("data_bundles", models.SubTargetResult{Stage: models.StagePersisted})
		assert.NoError(t, m.WriteToTextfile(filepath.Join(t.TempDir(), "x.prom")))
	})
}

func TestMetrics_AcquireOutcomes(t *testing.T) {
	m := NewMetrics()
	m.AcquireWaited(10*time.Millisecond, nil)
	m.AcquireWaited(time.Second, fmt.Errorf("等待超时: %w", crawlers.ErrPoolExhausted))
	m.AcquireWaited(time.Millisecond, crawlers.ErrPoolShuttingDown)

	assert.Equal(t, 3, testutil.CollectAndCount(m.AcquireWait))
}

func TestMetrics_WriteToTextfile(t *testing.T) {
	m := NewMetrics()
	m.SessionCreated()
	m.ObserveSubTarget("schools", models.SubTargetResult{Stage: models.StagePersisted, RecordsUpserted: 12, Duration: 1.5})

	path := filepath.Join(t.TempDir(), "portalharvest.prom")
	require.NoError(t, m.WriteToTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, "portalharvest_sessions_created_total 1"))
	assert.True(t, strings.Contains(text, `portalharvest_records_upserted_total{portal="schools"} 12`))
}
