package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendQuota(t *testing.T) {
	q := newSendQuota(2)

	assert.True(t, q.tryAcquire())
	assert.True(t, q.tryAcquire())
	assert.False(t, q.tryAcquire())
	assert.Zero(t, q.available())

	q.release()
	assert.Equal(t, uint16(1), q.available())
	assert.True(t, q.tryAcquire())
}

func TestSendQuotaReset(t *testing.T) {
	q := newSendQuota(0)
	assert.Equal(t, uint16(65535), q.available())

	q.reset(3, 2)
	assert.Equal(t, uint16(1), q.available())

	q.reset(1, 4)
	assert.Zero(t, q.available(), "resumed messages may exceed the new maximum")
	assert.False(t, q.tryAcquire())

	for range 10 {
		q.release()
	}
	assert.Equal(t, uint16(1), q.available(), "release never underflows")
}
