package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupe(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := newDedupe(time.Hour)

	t.Run("first sighting passes", func(t *testing.T) {
		assert.False(d.isDuplicate("k1", now))
	})

	t.Run("second sighting is dropped", func(t *testing.T) {
		assert.True(d.isDuplicate("k1", now.Add(time.Minute)))
	})

	t.Run("prune removes expired keys only", func(t *testing.T) {
		assert.False(d.isDuplicate("k2", now.Add(30*time.Minute)))

		pruned := d.prune(now.Add(90 * time.Minute))
		assert.Equal(1, pruned) // k1 is past retention, k2 is not

		assert.False(d.isDuplicate("k1", now.Add(91*time.Minute)))
		assert.True(d.isDuplicate("k2", now.Add(91*time.Minute)))
	})
}
