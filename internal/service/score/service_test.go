package score

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/keybeat/keybeat/internal/model"
)

type memoryKV struct {
	values map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string]string{}}
}

func (m *memoryKV) Get(keys ...string) (map[string]string, error) {
	result := map[string]string{}
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

func (m *memoryKV) Set(values map[string]string) error {
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *memoryKV) Remove(keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryKV) GetAll() (map[string]string, error) {
	result := map[string]string{}
	for k, v := range m.values {
		result[k] = v
	}
	return result, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func newScorer(t *testing.T) (*service, *memoryKV) {
	t.Helper()
	kv := newMemoryKV()
	s := New(kv)
	s.now = fixedNow
	return s, kv
}

func TestScore(t *testing.T) {
	assert := assert.New(t)

	t.Run("empty log scores 100", func(t *testing.T) {
		s, _ := newScorer(t)
		assert.Equal(100, s.Score())
	})

	t.Run("50 keys a minute ago scores 85", func(t *testing.T) {
		s, _ := newScorer(t)
		s.log = []Bucket{{TS: fixedNow().Add(-time.Minute).UnixMilli(), Count: 50}}
		// only5=50, raw=30, score = 100 - round(30/200*100) = 85
		assert.Equal(85, s.Score())
	})

	t.Run("exclusive window weighting", func(t *testing.T) {
		s, _ := newScorer(t)
		s.log = []Bucket{
			{TS: fixedNow().Add(-time.Minute).UnixMilli(), Count: 100},      // only5
			{TS: fixedNow().Add(-10 * time.Minute).UnixMilli(), Count: 100}, // only15
			{TS: fixedNow().Add(-20 * time.Minute).UnixMilli(), Count: 100}, // only30
		}
		// raw = 100*0.6 + 100*0.3 + 100*0.1 = 100 -> score 50
		assert.Equal(50, s.Score())
	})

	t.Run("score is clamped to zero under heavy activity", func(t *testing.T) {
		s, _ := newScorer(t)
		s.log = []Bucket{{TS: fixedNow().UnixMilli(), Count: 100000}}
		assert.Equal(0, s.Score())
	})

	t.Run("score is non-increasing in each exclusive count", func(t *testing.T) {
		at := func(only5, only15, only30 int) int {
			s, _ := newScorer(t)
			s.log = []Bucket{
				{TS: fixedNow().Add(-time.Minute).UnixMilli(), Count: only5},
				{TS: fixedNow().Add(-10 * time.Minute).UnixMilli(), Count: only15},
				{TS: fixedNow().Add(-20 * time.Minute).UnixMilli(), Count: only30},
			}
			return s.Score()
		}

		for _, counts := range [][3]int{{0, 0, 0}, {10, 20, 30}, {200, 100, 50}} {
			base := at(counts[0], counts[1], counts[2])
			assert.GreaterOrEqual(base, 0)
			assert.LessOrEqual(base, 100)
			assert.GreaterOrEqual(base, at(counts[0]+50, counts[1], counts[2]))
			assert.GreaterOrEqual(base, at(counts[0], counts[1]+50, counts[2]))
			assert.GreaterOrEqual(base, at(counts[0], counts[1], counts[2]+50))
		}
	})

	t.Run("entries older than 30 minutes are pruned", func(t *testing.T) {
		s, _ := newScorer(t)
		s.log = []Bucket{
			{TS: fixedNow().Add(-45 * time.Minute).UnixMilli(), Count: 500},
			{TS: fixedNow().Add(-time.Minute).UnixMilli(), Count: 10},
		}
		_ = s.Score()
		assert.Len(s.log, 1)
	})
}

func TestBufferProbe(t *testing.T) {
	assert := assert.New(t)

	s, _ := newScorer(t)
	assert.Nil(s.BufferProbe(12))
	assert.Nil(s.BufferProbe(0)) // no-op

	assert.Nil(s.Collect())
	assert.Len(s.log, 1)
	assert.Equal(12, s.log[0].Count)
}

func TestCollect(t *testing.T) {
	assert := assert.New(t)

	s, kv := newScorer(t)
	probe, _ := json.Marshal(Bucket{TS: fixedNow().Add(-time.Minute).UnixMilli(), Count: 25})
	kv.values["kb_123_abcd"] = string(probe)
	kv.values["kb_456_efgh"] = `{broken`
	kv.values["unrelated"] = "keep"

	assert.Nil(s.Collect())
	assert.Len(s.log, 1)
	assert.Equal(25, s.log[0].Count)

	// drained and broken probes removed, unrelated keys kept
	assert.NotContains(kv.values, "kb_123_abcd")
	assert.NotContains(kv.values, "kb_456_efgh")
	assert.Contains(kv.values, "unrelated")
}

func TestPersistRestore(t *testing.T) {
	assert := assert.New(t)

	s, kv := newScorer(t)
	s.RecordKeys(40)
	assert.Nil(s.Persist())

	restored := New(kv)
	restored.now = fixedNow
	assert.Nil(restored.Restore())
	// only5=40, raw=24, score = 100 - round(24/200*100) = 88
	assert.Equal(88, restored.Score())
}

func TestShouldPublish(t *testing.T) {
	assert := assert.New(t)
	s, _ := newScorer(t)

	t.Run("publishes over empty record", func(t *testing.T) {
		assert.True(s.ShouldPublish(nil, 70))
	})

	t.Run("defers to a fresher more-active record", func(t *testing.T) {
		stored := &model.UserRecord{
			Score:     40,
			UpdatedAt: fixedNow().Add(-30 * time.Second).UnixMilli(),
		}
		assert.False(s.ShouldPublish(stored, 70))
	})

	t.Run("publishes over a stale record", func(t *testing.T) {
		stored := &model.UserRecord{
			Score:     40,
			UpdatedAt: fixedNow().Add(-5 * time.Minute).UnixMilli(),
		}
		assert.True(s.ShouldPublish(stored, 70))
	})

	t.Run("publishes when own score shows more activity", func(t *testing.T) {
		stored := &model.UserRecord{
			Score:     90,
			UpdatedAt: fixedNow().Add(-30 * time.Second).UnixMilli(),
		}
		assert.True(s.ShouldPublish(stored, 70))
	})
}
