// Package storetest checks mqttclient.Store implementations against the
// behaviour the client relies on.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttclient"
)

// Run exercises a store. newStore must return an empty, open store; Run
// closes every store it creates.
func Run(t *testing.T, newStore func(t *testing.T) mqttclient.Store) {
	t.Helper()

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		rec := mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{0x32, 0x0a}, []byte("payload"))
		require.NoError(t, s.Put("client-a", "s-1", rec))

		got, err := s.Get("client-a", "s-1")
		require.NoError(t, err)
		assert.Equal(t, mqttclient.PacketPUBLISH, got.Type())
		assert.Equal(t, []byte{0x32, 0x0a}, got.Header())
		assert.Equal(t, []byte("payload"), got.Payload())
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Get("client-a", "s-1")
		assert.ErrorIs(t, err, mqttclient.ErrRecordNotFound)
	})

	t.Run("put replaces", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put("client-a", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, []byte("old"))))
		require.NoError(t, s.Put("client-a", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, []byte("new"))))

		got, err := s.Get("client-a", "s-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got.Payload())
	})

	t.Run("empty payload", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put("client-a", "sc-7", mqttclient.NewRecord(mqttclient.PacketPUBREL, []byte{0x62, 0x02, 0x00, 0x07}, nil)))

		got, err := s.Get("client-a", "sc-7")
		require.NoError(t, err)
		assert.Equal(t, mqttclient.PacketPUBREL, got.Type())
		assert.Empty(t, got.Payload())
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put("client-a", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, nil)))
		require.NoError(t, s.Remove("client-a", "s-1"))
		require.NoError(t, s.Remove("client-a", "s-1"), "removing an absent key is not an error")

		_, err := s.Get("client-a", "s-1")
		assert.ErrorIs(t, err, mqttclient.ErrRecordNotFound)
	})

	t.Run("keys are namespaced", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		for _, key := range []string{"s-2", "s-1", "r-5"} {
			require.NoError(t, s.Put("client-a", key, mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, nil)))
		}
		require.NoError(t, s.Put("client-ab", "s-9", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, nil)))

		keys, err := s.Keys("client-a")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"s-1", "s-2", "r-5"}, keys)

		keys, err = s.Keys("client-ab")
		require.NoError(t, err)
		assert.Equal(t, []string{"s-9"}, keys)

		keys, err = s.Keys("nobody")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("namespaces sharing a prefix", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		for _, ns := range []string{"a", "a|", "a||"} {
			require.NoError(t, s.Put(ns, "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, []byte(ns))))
		}

		keys, err := s.Keys("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"s-1"}, keys)

		require.NoError(t, s.Clear("a"))

		for _, ns := range []string{"a|", "a||"} {
			keys, err := s.Keys(ns)
			require.NoError(t, err)
			assert.Equal(t, []string{"s-1"}, keys, ns)

			got, err := s.Get(ns, "s-1")
			require.NoError(t, err)
			assert.Equal(t, []byte(ns), got.Payload())
		}
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put("client-a", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, nil)))
		require.NoError(t, s.Put("client-a", "sc-2", mqttclient.NewRecord(mqttclient.PacketPUBREL, []byte{1}, nil)))
		require.NoError(t, s.Put("client-b", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, nil)))

		require.NoError(t, s.Clear("client-a"))

		keys, err := s.Keys("client-a")
		require.NoError(t, err)
		assert.Empty(t, keys)

		keys, err = s.Keys("client-b")
		require.NoError(t, err)
		assert.Equal(t, []string{"s-1"}, keys)
	})

	t.Run("record is copied", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		payload := []byte("abc")
		require.NoError(t, s.Put("client-a", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, payload)))
		payload[0] = 'x'

		got, err := s.Get("client-a", "s-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got.Payload())
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				key := fmt.Sprintf("s-%d", id)
				assert.NoError(t, s.Put("client-a", key, mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, []byte(key))))
			}(i)
		}
		wg.Wait()

		keys, err := s.Keys("client-a")
		require.NoError(t, err)
		assert.Len(t, keys, 20)
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		err := s.Put("client-a", "s-1", mqttclient.NewRecord(mqttclient.PacketPUBLISH, []byte{1}, nil))
		assert.Error(t, err)
	})
}
