package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// --- Test Helpers ---

// setupLogManager opens a fresh database file with a header page in place.
func setupLogManager(t *testing.T) (*LogManager, *flushmanager.DiskService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	disk, created, err := flushmanager.Open(path, flushmanager.Options{Logger: logger})
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { disk.Close() })

	require.NoError(t, disk.WriteDataPages([]pagemanager.Page{pagemanager.NewHeaderPage(pagemanager.Pragmas{})}))
	return NewLogManager(disk, logger, nil), disk, path
}

func dataPage(t *testing.T, id, txID uint32, payload string) pagemanager.Page {
	t.Helper()
	p, err := pagemanager.NewPage(id, pagemanager.PageTypeData)
	require.NoError(t, err)
	_, err = p.(*pagemanager.DataPage).InsertBlock([]byte(payload))
	require.NoError(t, err)
	p.Header().TransactionID = txID
	return p
}

// commit writes pages and a confirm page the way a transaction does.
func commit(t *testing.T, lm *LogManager, header *pagemanager.HeaderPage, pages ...pagemanager.Page) {
	t.Helper()
	txID := lm.NextTransactionID()
	for _, p := range pages {
		p.Header().TransactionID = txID
	}
	positions, err := lm.disk.WriteLogPages(pages)
	require.NoError(t, err)

	confirm := header.Clone()
	confirm.TransactionID = txID
	confirm.LastTransactionID = txID
	require.NoError(t, lm.ConfirmTransaction(confirm, positions))
	header.Update(confirm)
	header.IsConfirmed = false
}

func payloadAt(t *testing.T, disk *flushmanager.DiskService, origin pagemanager.FileOrigin, position int64) string {
	t.Helper()
	p, err := disk.ReadPage(origin, position)
	require.NoError(t, err)
	b, ok := p.(*pagemanager.DataPage).Block(0)
	require.True(t, ok)
	return string(b.Data)
}

// --- Tests ---

func TestVersionIndexVisibility(t *testing.T) {
	lm, disk, _ := setupLogManager(t)
	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{})

	require.Equal(t, uint32(0), lm.CurrentReadVersion())
	commit(t, lm, header, dataPage(t, 3, 0, "v1"))
	commit(t, lm, header, dataPage(t, 3, 0, "v2"), dataPage(t, 4, 0, "other"))
	require.Equal(t, uint32(2), lm.CurrentReadVersion())

	_, ok := lm.GetPageIndex(3, 0)
	require.False(t, ok, "version 0 sees only the data file")

	pos, ok := lm.GetPageIndex(3, 1)
	require.True(t, ok)
	require.Equal(t, "v1", payloadAt(t, disk, pagemanager.OriginLog, pos))

	pos, ok = lm.GetPageIndex(3, 2)
	require.True(t, ok)
	require.Equal(t, "v2", payloadAt(t, disk, pagemanager.OriginLog, pos))

	_, ok = lm.GetPageIndex(4, 1)
	require.False(t, ok, "page 4 did not exist at version 1")
	_, ok = lm.GetPageIndex(5, 2)
	require.False(t, ok)
}

func TestRestoreIndexIgnoresUnconfirmedAndTornTail(t *testing.T) {
	lm, disk, path := setupLogManager(t)
	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{})
	header.LastPageID = 7
	commit(t, lm, header, dataPage(t, 7, 0, "committed"))

	// A transaction that reached the log but never confirmed.
	_, err := disk.WriteLogPages([]pagemanager.Page{dataPage(t, 7, lm.NextTransactionID(), "lost")})
	require.NoError(t, err)
	require.NoError(t, disk.Sync(pagemanager.OriginLog))
	require.NoError(t, disk.Close())

	// Half a page of garbage at the end of the log.
	f, err := os.OpenFile(flushmanager.LogPath(path), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, pagemanager.PageSize/2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	disk2, created, err := flushmanager.Open(path, flushmanager.Options{})
	require.NoError(t, err)
	require.False(t, created)
	defer disk2.Close()

	restored := pagemanager.NewHeaderPage(pagemanager.Pragmas{})
	lm2 := NewLogManager(disk2, nil, nil)
	require.NoError(t, lm2.RestoreIndex(restored))

	require.Equal(t, uint32(1), lm2.CurrentReadVersion())
	require.Equal(t, uint32(7), restored.LastPageID)
	require.GreaterOrEqual(t, lm2.LastTransactionID(), uint32(2))
	pos, ok := lm2.GetPageIndex(7, lm2.CurrentReadVersion())
	require.True(t, ok)
	require.Equal(t, "committed", payloadAt(t, disk2, pagemanager.OriginLog, pos))
}

func TestCheckpointMovesPagesToDataFile(t *testing.T) {
	lm, disk, _ := setupLogManager(t)
	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{})
	header.LastPageID = 2
	commit(t, lm, header, dataPage(t, 1, 0, "one"), dataPage(t, 2, 0, "two"))
	commit(t, lm, header, dataPage(t, 2, 0, "two-v2"))
	require.Equal(t, int64(5), lm.LogPages())

	copied, err := lm.Checkpoint(context.Background(), header)
	require.NoError(t, err)
	require.Equal(t, 2, copied)
	require.Equal(t, int64(0), disk.Length(pagemanager.OriginLog))
	require.Equal(t, uint32(1), header.ChangeID)

	_, ok := lm.GetPageIndex(2, lm.CurrentReadVersion())
	require.False(t, ok)

	disk.Cache().PurgeAll()
	require.Equal(t, "one", payloadAt(t, disk, pagemanager.OriginData, 1*pagemanager.PageSize))
	require.Equal(t, "two-v2", payloadAt(t, disk, pagemanager.OriginData, 2*pagemanager.PageSize))

	p, err := disk.ReadPage(pagemanager.OriginData, 0)
	require.NoError(t, err)
	hdr := p.(*pagemanager.HeaderPage)
	require.Equal(t, uint32(2), hdr.LastPageID)
	require.Equal(t, uint32(2), hdr.LastTransactionID)
	require.False(t, hdr.IsConfirmed)

	p, err = disk.ReadPage(pagemanager.OriginData, 2*pagemanager.PageSize)
	require.NoError(t, err)
	require.Equal(t, uint32(0), p.Header().TransactionID)
}

func TestCheckpointOnEmptyLogIsNoop(t *testing.T) {
	lm, _, _ := setupLogManager(t)
	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{})
	copied, err := lm.Checkpoint(context.Background(), header)
	require.NoError(t, err)
	require.Zero(t, copied)
	require.Equal(t, uint32(0), header.ChangeID)
}

func TestSeedTransactionID(t *testing.T) {
	lm, _, _ := setupLogManager(t)
	lm.SeedTransactionID(41)
	require.Equal(t, uint32(42), lm.NextTransactionID())
	lm.SeedTransactionID(10)
	require.Equal(t, uint32(43), lm.NextTransactionID())
}

// syncCount sums the sync counter recorded for one file.
func syncCount(t *testing.T, reader *sdkmetric.ManualReader, origin string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var n int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gojolite.disk.syncs_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("origin"); ok && v.AsString() == origin {
					n += dp.Value
				}
			}
		}
	}
	return n
}

func TestConfirmSyncsLogBeforePublishing(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	metrics, err := telemetry.NewStorageMetrics(provider.Meter("wal-test"), nooptrace.NewTracerProvider().Tracer(""))
	require.NoError(t, err)

	disk, _, err := flushmanager.Open(filepath.Join(t.TempDir(), "sync.db"), flushmanager.Options{Logger: zap.NewNop(), Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{})
	require.NoError(t, disk.WriteDataPages([]pagemanager.Page{header}))
	lm := NewLogManager(disk, zap.NewNop(), metrics)

	require.Zero(t, syncCount(t, reader, "log"))
	commit(t, lm, header, dataPage(t, 1, 0, "durable"))
	require.Equal(t, int64(1), syncCount(t, reader, "log"))
	commit(t, lm, header, dataPage(t, 1, 0, "again"))
	require.Equal(t, int64(2), syncCount(t, reader, "log"))
	require.Equal(t, uint32(2), lm.CurrentReadVersion())
}
