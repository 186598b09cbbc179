package pebblestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttclient"
	"github.com/vitalvas/mqttclient/extensions/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) mqttclient.Store {
		s, err := Open(&Options{Path: filepath.Join(t.TempDir(), "db")})
		require.NoError(t, err)
		return s
	})
}

func TestStoreNoSync(t *testing.T) {
	s, err := Open(&Options{Path: filepath.Join(t.TempDir(), "db"), Mode: "nosync"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("client-a", "r-2", mqttclient.NewRecord(mqttclient.PacketPUBREC, []byte{0x50, 0x02, 0x00, 0x02}, nil)))
	rec, err := s.Get("client-a", "r-2")
	require.NoError(t, err)
	assert.Equal(t, mqttclient.PacketPUBREC, rec.Type())
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ab"), keyUpperBound([]byte("aa")))
	assert.Equal(t, []byte{0x01}, keyUpperBound([]byte{0x00, 0xff}))
	assert.Nil(t, keyUpperBound([]byte{0xff, 0xff}))
}

func TestStoreClosedError(t *testing.T) {
	s, err := Open(&Options{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Keys("client-a")
	assert.ErrorIs(t, err, mqttclient.ErrStoreClosed)
	assert.ErrorIs(t, s.Remove("client-a", "s-1"), mqttclient.ErrStoreClosed)
}
