package lease

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leased/services/leased/internal/packet"
)

var (
	ipA = netip.MustParseAddr("10.0.0.2")
	ipB = netip.MustParseAddr("10.0.0.3")
	ipC = netip.MustParseAddr("10.0.0.4")
)

// assertBijection checks that both indexes describe the same bindings.
func assertBijection(t *testing.T, tbl *Table) {
	t.Helper()
	require.Equal(t, len(tbl.byIP), len(tbl.byMAC))
	for ip, b := range tbl.byIP {
		assert.Equal(t, ip, b.IP)
		assert.Equal(t, ip, tbl.byMAC[b.MAC])
	}
}

func TestTableLeaseAndLookup(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(30 * time.Second)

	b := tbl.Lease(ipA, 4, now)
	assert.Equal(t, now.Add(30*time.Second), b.ExpiresAt)

	got, ok := tbl.LookupIP(ipA)
	require.True(t, ok)
	assert.Equal(t, packet.HardwareAddr(4), got.MAC)

	got, ok = tbl.LookupMAC(4)
	require.True(t, ok)
	assert.Equal(t, ipA, got.IP)

	_, ok = tbl.LookupMAC(5)
	assert.False(t, ok)
	assertBijection(t, tbl)
}

func TestTableReleaseKeepsBijection(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(30 * time.Second)

	tbl.Lease(ipA, 4, now)
	tbl.Lease(ipB, 5, now)
	// mac 4 moves to ipC, ipB is taken over by mac 6
	tbl.Lease(ipC, 4, now.Add(time.Second))
	tbl.Lease(ipB, 6, now.Add(time.Second))

	assert.False(t, tbl.Leased(ipA))
	_, ok := tbl.LookupMAC(5)
	assert.False(t, ok)
	assert.Equal(t, 2, tbl.Len())
	assertBijection(t, tbl)
}

func TestTableSweepDiscardsStaleEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(30 * time.Second)

	tbl.Lease(ipA, 4, now)
	tbl.Lease(ipB, 5, now.Add(5*time.Second))
	tbl.Lease(ipA, 4, now.Add(10*time.Second)) // refresh leaves a stale entry

	expired := tbl.SweepExpired(now.Add(30 * time.Second))
	assert.Empty(t, expired, "stale entry for the refreshed lease must not evict it")
	assert.True(t, tbl.Leased(ipA))

	expired = tbl.SweepExpired(now.Add(35 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, ipB, expired[0].IP)

	expired = tbl.SweepExpired(now.Add(40 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, ipA, expired[0].IP)
	assert.Zero(t, tbl.Len())
	assert.Zero(t, tbl.queue.Len())
	assertBijection(t, tbl)
}

func TestTableQueueFrontIsEarliestLive(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(30 * time.Second)
	for i, ip := range []netip.Addr{ipA, ipB, ipC} {
		tbl.Lease(ip, packet.HardwareAddr(i+1), now.Add(time.Duration(i)*time.Second))
	}
	front, ok := tbl.queue.Front()
	require.True(t, ok)
	for _, b := range tbl.Snapshot() {
		assert.False(t, b.ExpiresAt.Before(front.Expiry))
	}
}

func TestTableFree(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(30 * time.Second)
	tbl.Lease(ipA, 4, now)
	tbl.Lease(ipB, 5, now)

	b, ok := tbl.Free(ipA)
	require.True(t, ok)
	assert.Equal(t, packet.HardwareAddr(4), b.MAC)
	assert.False(t, tbl.Leased(ipA))
	assert.Equal(t, 1, tbl.queue.Len())

	_, ok = tbl.Free(ipA)
	assert.False(t, ok)
	assertBijection(t, tbl)
}

func TestTableSnapshotOrdered(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(time.Minute)
	tbl.Lease(ipC, 1, now)
	tbl.Lease(ipA, 2, now)
	tbl.Lease(ipB, 3, now)

	snap := tbl.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []netip.Addr{ipA, ipB, ipC}, []netip.Addr{snap[0].IP, snap[1].IP, snap[2].IP})
}
