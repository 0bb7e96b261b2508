package settings

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotReflectsUpdate(t *testing.T) {
	p := NewParams(VoiceParams{VoiceID: "v1", SpeedRatio: 1.0})
	assert.Equal(t, "v1", p.Snapshot().VoiceID)

	p.Update(VoiceParams{VoiceID: "v2", SpeedRatio: 1.5})
	got := p.Snapshot()
	assert.Equal(t, "v2", got.VoiceID)
	assert.Equal(t, 1.5, got.SpeedRatio)
}

func TestConcurrentUpdateAndSnapshot(t *testing.T) {
	p := NewParams(VoiceParams{VoiceID: "v", SpeedRatio: 1.0})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Update(VoiceParams{VoiceID: "v", SpeedRatio: 1.0})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got := p.Snapshot()
				assert.Equal(t, "v", got.VoiceID)
			}
		}()
	}
	wg.Wait()
}
