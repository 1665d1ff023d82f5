package replica

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptStreamer hands out one canned stream body per connect attempt,
// then fails every further attempt.
type scriptStreamer struct {
	mu     sync.Mutex
	bodies []string
	opens  int
}

func (s *scriptStreamer) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.bodies) == 0 {
		return nil, errors.New("connection refused")
	}
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

func event(kind, data string) string {
	return "event: " + kind + "\ndata: " + data + "\n\n"
}

// runScripted drives a replica over the scripted bodies and returns
// every (snapshot, err) notification, stopping once the streamer runs
// out of bodies.
func runScripted(t *testing.T, bodies ...string) (snapshots []any, errs []error) {
	t.Helper()

	streamer := &scriptStreamer{bodies: bodies}
	done := make(chan struct{})
	r := newReplica(streamer, "users/u1", func(snapshot any, err error) {
		snapshots = append(snapshots, snapshot)
		errs = append(errs, err)
	})
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		streamer.mu.Lock()
		exhausted := len(streamer.bodies) == 0
		streamer.mu.Unlock()
		if exhausted {
			r.stop()
		}
		return ctx.Err() == nil
	}

	go func() {
		r.run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replica did not stop")
	}
	return snapshots, errs
}

func TestReplicaAppliesEvents(t *testing.T) {
	assert := assert.New(t)

	t.Run("put then patch yields merged snapshot", func(t *testing.T) {
		snapshots, errs := runScripted(t,
			event("put", `{"path":"/","data":{"score":80,"partnerId":"u2"}}`)+
				event("patch", `{"path":"/","data":{"score":55}}`),
		)
		assert.Len(snapshots, 2)
		assert.Equal(map[string]any{"score": 80.0, "partnerId": "u2"}, snapshots[0])
		assert.Equal(map[string]any{"score": 55.0, "partnerId": "u2"}, snapshots[1])
		assert.Equal([]error{nil, nil}, errs)
	})

	t.Run("keep-alive is ignored", func(t *testing.T) {
		snapshots, _ := runScripted(t,
			event("keep-alive", "null")+event("put", `{"path":"/","data":1}`),
		)
		assert.Len(snapshots, 1)
	})

	t.Run("malformed event reports error and leaves mirror untouched", func(t *testing.T) {
		snapshots, errs := runScripted(t,
			event("put", `{"path":"/","data":{"a":1}}`)+
				event("patch", `{not json`)+
				event("put", `{"path":"/b","data":2}`),
		)
		assert.Len(snapshots, 3)
		assert.Nil(errs[0])
		assert.NotNil(errs[1])
		assert.Equal(snapshots[0], snapshots[1])
		assert.Nil(errs[2])
		assert.Equal(map[string]any{"a": 1.0, "b": 2.0}, snapshots[2])
	})

	t.Run("fresh snapshot after reconnect replaces stale mirror", func(t *testing.T) {
		snapshots, _ := runScripted(t,
			event("put", `{"path":"/","data":{"old":true}}`),
			event("put", `{"path":"/","data":{"new":true}}`),
		)
		assert.Len(snapshots, 2)
		assert.Equal(map[string]any{"new": true}, snapshots[1])
	})
}

func TestReplicaBackoff(t *testing.T) {
	assert := assert.New(t)

	t.Run("delays double to the ceiling", func(t *testing.T) {
		streamer := &scriptStreamer{} // every connect fails
		r := newReplica(streamer, "users/u1", func(any, error) {})

		var delays []time.Duration
		r.sleep = func(ctx context.Context, d time.Duration) bool {
			delays = append(delays, d)
			if len(delays) == 10 {
				r.stop()
				return false
			}
			return true
		}
		r.run()

		assert.Equal(time.Second, delays[0])
		for i := 1; i < len(delays); i++ {
			assert.GreaterOrEqual(delays[i], delays[i-1])
			assert.LessOrEqual(delays[i], 60*time.Second)
		}
		assert.Equal(60*time.Second, delays[9])
	})

	t.Run("successful reconnect resets the delay", func(t *testing.T) {
		streamer := &scriptStreamer{}
		r := newReplica(streamer, "users/u1", func(any, error) {})

		var delays []time.Duration
		r.sleep = func(ctx context.Context, d time.Duration) bool {
			delays = append(delays, d)
			switch len(delays) {
			case 3:
				// let the next attempt succeed
				streamer.mu.Lock()
				streamer.bodies = []string{event("put", `{"path":"/","data":1}`)}
				streamer.mu.Unlock()
			case 5:
				r.stop()
				return false
			}
			return true
		}
		r.run()

		// 1s, 2s, 4s while failing; stream succeeds and ends; next delay is back to 1s
		assert.Equal([]time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, time.Second, 2 * time.Second,
		}, delays)
	})
}

func TestCancelIsIdempotent(t *testing.T) {
	streamer := &scriptStreamer{}
	cancel := Watch(streamer, "users/u1", func(any, error) {})
	cancel()
	cancel()
}
