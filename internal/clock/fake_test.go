package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	fake := NewFakeClock(start)

	assert.Equal(t, time.UTC, fake.Now().Location())
	assert.True(t, fake.Now().Equal(start))

	fake.Advance(48 * time.Hour)
	assert.True(t, fake.Now().Equal(start.Add(48*time.Hour)))

	jump := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fake.Set(jump)
	assert.Equal(t, jump, fake.Now())
}
