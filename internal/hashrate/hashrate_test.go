package hashrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "0.00 H/s"},
		{999, "999.00 H/s"},
		{1500, "1.50 KH/s"},
		{30_000_000, "30.00 MH/s"},
		{2_000_000_000, "2.00 GH/s"},
		{5e15, "5.00 PH/s"},
		{5e18, "5000.00 PH/s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.rate))
	}
}

func TestScale(t *testing.T) {
	assert.Equal(t, uint64(90), Scale(100, 0.1))
	assert.Equal(t, uint64(100), Scale(100, 0))
	assert.Equal(t, uint64(0), Scale(100, 1))
	assert.Equal(t, uint64(100), Scale(100, -0.5))
}

func TestToMegabytes(t *testing.T) {
	assert.Equal(t, uint64(30), ToMegabytes(30_000_000))
	assert.Equal(t, uint64(0), ToMegabytes(999_999))
}

func TestWindow(t *testing.T) {
	w := NewWindow(time.Minute)
	now := time.Now()

	for i := 0; i < 6; i++ {
		w.Add(now.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, 6, w.Count(now.Add(5*time.Second)))
	assert.Equal(t, 6.0, w.PerMinute(now.Add(5*time.Second)))

	// Everything ages out of the window.
	assert.Equal(t, 0, w.Count(now.Add(2*time.Minute)))
	assert.Equal(t, 0.0, w.PerMinute(now.Add(2*time.Minute)))
}
