package engine

import (
	"net"
	"testing"

	"github.com/flowpbx/iaxd/internal/iax/transaction"
	"github.com/stretchr/testify/require"
)

func TestDemuxRegisterAndLookup(t *testing.T) {
	d := newDemux()
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 4569}
	tx := transaction.New(transaction.TypeNew, 10, addr, nil, transaction.DefaultConfig())

	d.registerLocal(10, tx)
	d.bindRemote(addr.String(), 20, tx)

	got, ok := d.lookupByLocal(10)
	require.True(t, ok)
	require.Same(t, tx, got)

	got2, ok2 := d.lookupByRemote(addr.String(), 20)
	require.True(t, ok2)
	require.Same(t, tx, got2)

	_, ok3 := d.lookupByRemote(addr.String(), 21)
	require.False(t, ok3)
}

func TestDemuxRemoveClearsBothIndexes(t *testing.T) {
	d := newDemux()
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.6"), Port: 4569}
	tx := transaction.New(transaction.TypeNew, 11, addr, nil, transaction.DefaultConfig())
	d.registerLocal(11, tx)
	d.bindRemote(addr.String(), 22, tx)

	d.remove(addr.String(), 22, 11)

	_, ok := d.lookupByLocal(11)
	require.False(t, ok)
	_, ok2 := d.lookupByRemote(addr.String(), 22)
	require.False(t, ok2)
}

func TestDemuxCountTracksLocalRegistrations(t *testing.T) {
	d := newDemux()
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4569}
	require.Equal(t, 0, d.count())

	tx1 := transaction.New(transaction.TypeNew, 12, addr, nil, transaction.DefaultConfig())
	tx2 := transaction.New(transaction.TypeNew, 13, addr, nil, transaction.DefaultConfig())
	d.registerLocal(12, tx1)
	d.registerLocal(13, tx2)
	require.Equal(t, 2, d.count())

	d.remove(addr.String(), 0, 12)
	require.Equal(t, 1, d.count())
}

func TestDemuxAllReturnsEveryTrackedTransaction(t *testing.T) {
	d := newDemux()
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.8"), Port: 4569}
	tx1 := transaction.New(transaction.TypeNew, 14, addr, nil, transaction.DefaultConfig())
	tx2 := transaction.New(transaction.TypeNew, 15, addr, nil, transaction.DefaultConfig())
	d.registerLocal(14, tx1)
	d.registerLocal(15, tx2)

	all := d.all()
	require.Len(t, all, 2)
	require.ElementsMatch(t, []*transaction.Transaction{tx1, tx2}, all)
}
