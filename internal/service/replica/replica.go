// Package replica keeps a local mirror of a remote subtree current
// over a long-lived event stream, reconnecting with exponential
// backoff and reporting every change to a subscriber as a full-state
// snapshot.
package replica

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

const backoffInitial = 1 * time.Second
const backoffCeiling = 60 * time.Second

// Streamer opens the persistent event-stream request for a path. The
// remote store client implements it; opening the stream refreshes the
// bearer credential as a side effect.
type Streamer interface {
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
}

// Subscriber receives the entire current mirror value after every
// applied event, a full-state snapshot rather than a diff. A malformed event
// is reported with a non-nil error and an unchanged snapshot.
type Subscriber func(snapshot any, err error)

type replica struct {
	streamer Streamer
	path     string
	fn       Subscriber
	mirror   mirror

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// sleep waits for the given delay, returning false when the
	// subscription was cancelled first. Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Watch mirrors the remote subtree at path until the returned cancel
// function is invoked. Cancellation is idempotent, stops future
// reconnect attempts, and aborts any in-flight connection.
func Watch(streamer Streamer, path string, fn Subscriber) (cancel func()) {
	r := newReplica(streamer, path, fn)
	go r.run()
	return r.stop
}

func newReplica(streamer Streamer, path string, fn Subscriber) *replica {
	ctx, cancel := context.WithCancel(context.Background())
	return &replica{
		streamer: streamer,
		path:     path,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepContext,
	}
}

func (r *replica) stop() {
	r.once.Do(r.cancel)
}

// run is the connection loop: connect, consume until the stream drops,
// back off, reconnect. The delay starts at one second, doubles up to
// the ceiling across consecutive failures, and resets on every
// successful connect. No buffering is assumed across a disconnect;
// the server opens every stream with a fresh root snapshot.
func (r *replica) run() {
	delay := backoffInitial
	for {
		if r.ctx.Err() != nil {
			return
		}

		body, err := r.streamer.Stream(r.ctx, r.path)
		if err != nil {
			if r.ctx.Err() == nil {
				log.Warnf("replica %s: connect failed, retrying in %s: %v", r.path, delay, err)
			}
			if !r.sleep(r.ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		delay = backoffInitial
		r.consume(body)
		body.Close()

		if r.ctx.Err() != nil {
			return
		}
		if !r.sleep(r.ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > backoffCeiling {
		delay = backoffCeiling
	}
	return delay
}

type streamEvent struct {
	Path string `json:"path"`
	Data any    `json:"data"`
}

// consume reads event:/data: pairs until the stream ends. Events
// mutate the mirror strictly in arrival order; the subscriber is
// invoked synchronously after each applied event.
func (r *replica) consume(body io.ReadCloser) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if done := r.dispatch(eventType, data); done {
				return
			}
		}
	}
}

// dispatch applies one event. Returns true when the server asked for
// the stream to be torn down (cancel, credential revoked); the run
// loop then reconnects, refreshing the credential on the way in.
func (r *replica) dispatch(eventType, data string) bool {
	switch eventType {
	case "put", "patch":
	case "keep-alive":
		return false
	case "cancel", "auth_revoked":
		log.Infof("replica %s: server ended stream (%s), reconnecting", r.path, eventType)
		return true
	default:
		return false
	}

	event := streamEvent{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		r.fn(r.mirror.value, fmt.Errorf("malformed %s event: %w", eventType, err))
		return false
	}

	path := splitPath(event.Path)
	if eventType == "put" {
		r.mirror.put(path, event.Data)
	} else {
		r.mirror.patch(path, event.Data)
	}
	r.fn(r.mirror.value, nil)
	return false
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
