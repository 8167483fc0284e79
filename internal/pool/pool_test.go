package pool

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockOpener opens sqlmock-backed handles so pool mechanics can be
// exercised without a database. Every handle expects its eventual Close.
func mockOpener(t *testing.T, opened *int) Opener {
	t.Helper()
	return func() (*sqlx.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.ExpectClose()
		if opened != nil {
			*opened++
		}
		return sqlx.NewDb(db, "sqlmock"), nil
	}
}

func newMockPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(mockOpener(t, nil), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewClampsSizeToBounds(t *testing.T) {
	p := newMockPool(t, Config{Size: 1, MinSize: 3, MaxSize: 10})
	assert.Equal(t, 3, p.Size())

	p = newMockPool(t, Config{Size: 50, MinSize: 3, MaxSize: 10})
	assert.Equal(t, 10, p.Size())
}

func TestCheckoutCheckinAccounting(t *testing.T) {
	p := newMockPool(t, Config{Size: 4, MinSize: 1, MaxSize: 8, LeakThreshold: time.Minute})
	ctx := context.Background()

	conn, err := p.Checkout(ctx)
	require.NoError(t, err)

	m := p.Snapshot()
	assert.Equal(t, 1, m.CheckedOut)
	assert.InDelta(t, 0.25, m.Utilization, 0.001)
	assert.Zero(t, m.TotalQueries, "queries count on checkin")

	time.Sleep(2 * time.Millisecond)
	p.Checkin(conn)

	m = p.Snapshot()
	assert.Zero(t, m.CheckedOut)
	assert.Equal(t, int64(1), m.TotalQueries)
	assert.Greater(t, m.AvgQueryTimeMS, 0.0)
	assert.Greater(t, m.QPS, 0.0)
}

func TestCheckinNilIsNoop(t *testing.T) {
	p := newMockPool(t, Config{Size: 2, MinSize: 1, MaxSize: 4})
	assert.NotPanics(t, func() { p.Checkin(nil) })
	assert.Zero(t, p.Snapshot().TotalQueries)
}

func TestResizeRejectsOutOfBounds(t *testing.T) {
	p := newMockPool(t, Config{Size: 4, MinSize: 2, MaxSize: 8})
	assert.Error(t, p.Resize(1))
	assert.Error(t, p.Resize(9))
	assert.Equal(t, 4, p.Size())
}

func TestResizeReusesHandleWhenConfigured(t *testing.T) {
	opened := 0
	p, err := New(mockOpener(t, &opened), Config{
		Size: 4, MinSize: 2, MaxSize: 8, ReuseHandle: true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	before := p.DB()
	require.NoError(t, p.Resize(6))
	assert.Equal(t, 6, p.Size())
	assert.Same(t, before, p.DB(), "embedded backends keep the live handle")
	assert.Equal(t, 1, opened)
}

func TestResizeSwapsHandle(t *testing.T) {
	opened := 0
	p, err := New(mockOpener(t, &opened), Config{
		Size: 4, MinSize: 2, MaxSize: 8,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	before := p.DB()
	require.NoError(t, p.Resize(6))
	assert.Equal(t, 6, p.Size())
	assert.NotSame(t, before, p.DB())
	assert.Equal(t, 2, opened)
}

func TestSnapshotFlagsPotentialLeaks(t *testing.T) {
	p := newMockPool(t, Config{Size: 2, MinSize: 1, MaxSize: 4, LeakThreshold: 10 * time.Millisecond})
	ctx := context.Background()

	conn, err := p.Checkout(ctx)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	assert.Equal(t, 1, p.Snapshot().PotentialLeaks)

	p.Checkin(conn)
	assert.Zero(t, p.Snapshot().PotentialLeaks)
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()
	mock.ExpectClose()

	p, err := New(func() (*sqlx.DB, error) {
		return sqlx.NewDb(db, "sqlmock"), nil
	}, Config{Size: 1, MinSize: 1, MaxSize: 2}, nil)
	require.NoError(t, err)

	assert.NoError(t, p.Ping(context.Background()))
	assert.NoError(t, p.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
