package badgerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttclient"
	"github.com/vitalvas/mqttclient/extensions/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) mqttclient.Store {
		s, err := Open(&Options{Path: t.TempDir()})
		require.NoError(t, err)
		return s
	})
}

func TestStoreInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) mqttclient.Store {
		s, err := Open(&Options{InMemory: true, GcInterval: 10 * time.Millisecond})
		require.NoError(t, err)
		return s
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(&Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Put("client-a", "sc-4", mqttclient.NewRecord(mqttclient.PacketPUBREL, []byte{0x62, 0x02, 0x00, 0x04}, nil)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = Open(&Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	keys, err := s.Keys("client-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"sc-4"}, keys)
}

func TestStoreClosedError(t *testing.T) {
	s, err := Open(&Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get("client-a", "s-1")
	assert.ErrorIs(t, err, mqttclient.ErrStoreClosed)
	assert.ErrorIs(t, s.Clear("client-a"), mqttclient.ErrStoreClosed)
}

func TestBadgerLogger(t *testing.T) {
	assert.Equal(t, "opened 3 tables", badgerMessage("Opened %d tables\n", []any{3}))
}
