package mqttclient_test

import (
	"testing"

	"github.com/vitalvas/mqttclient"
	"github.com/vitalvas/mqttclient/extensions/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(_ *testing.T) mqttclient.Store {
		return mqttclient.NewMemoryStore()
	})
}
