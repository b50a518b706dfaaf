package app

import (
	"context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/report"
	"bitbucket.org/mmdatafocus/enrollment_backend/workflow"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Gateway:   config.GatewayConfig{BaseURL: "https://gateway.test", SecretKey: "test_sk"},
		Store:     config.StoreConfig{BaseURL: "https://store.test", Table: "users"},
		Escrow:    config.EscrowConfig{URL: "https://escrow.test/rcv", MerchantID: "tmid", MerchantKey: "key"},
		Reconcile: config.ReconcileConfig{Timezone: "Asia/Seoul"},
		Dispatch:  config.DispatchConfig{Concurrency: 3},
		Report:    config.ReportConfig{Dir: t.TempDir()},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOpenFallsBackToInProcessBackends(t *testing.T) {
	cfg := testConfig(t)
	d, err := Open(context.Background(), cfg, quietLogger(), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer d.Close()

	assert.Nil(t, d.DB)
	assert.Nil(t, d.Redis)
	assert.Nil(t, d.Idempotency)
	assert.IsType(t, &workflow.MemoryRunRecorder{}, d.Recorder)
	assert.IsType(t, &workflow.LocalRunLock{}, d.Lock)
	assert.Equal(t, report.LocalSink{Dir: cfg.Report.Dir}, d.Sink)
	assert.NotNil(t, d.Metrics)

	job, err := d.ReconcileJob()
	require.NoError(t, err)
	assert.Equal(t, "users", job.Table)
	assert.NotNil(t, job.Catalog)
	assert.Equal(t, 3, job.Dispatch.Concurrency)

	escrowJob, err := d.EscrowJob()
	require.NoError(t, err)
	assert.Equal(t, "tmid", escrowJob.MerchantID)
}

func TestJobsNeedCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SecretKey = ""
	cfg.Escrow.MerchantKey = ""
	d, err := Open(context.Background(), cfg, quietLogger(), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.ReconcileJob()
	assert.Error(t, err)
	_, err = d.EscrowJob()
	assert.Error(t, err)
}
