// Package remotetest provides an in-memory document store server for
// tests: path-addressed JSON documents, ETag-conditioned writes, and
// per-path event streams with put/patch notifications.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type subscriber struct {
	root   []string
	events chan string
}

type Server struct {
	mu          sync.Mutex
	root        map[string]any
	versions    map[string]int
	subscribers []*subscriber

	// Writes counts mutating requests (PATCH/PUT/DELETE), letting
	// tests assert that an operation failed without touching the store.
	Writes int

	done   chan struct{}
	server *httptest.Server
}

func New() *Server {
	s := &Server{
		root:     map[string]any{},
		versions: map[string]int{},
		done:     make(chan struct{}),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string { return s.server.URL }

func (s *Server) Close() {
	close(s.done)
	s.server.Close()
}

// Seed sets the document at path directly, without emitting events.
func (s *Server) Seed(path string, doc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(segments(path), doc)
}

// Value returns the current document at path, decoded into plain
// map/slice/scalar form.
func (s *Server) Value(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(segments(path))
}

func segments(path string) []string {
	trimmed := strings.Trim(strings.TrimSuffix(strings.Trim(path, "/"), ".json"), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (s *Server) read(path []string) any {
	var node any = s.root
	for _, seg := range path {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[seg]
	}
	return node
}

func (s *Server) write(path []string, doc any) {
	if len(path) == 0 {
		if m, ok := doc.(map[string]any); ok {
			s.root = m
		} else {
			s.root = map[string]any{}
		}
		return
	}
	node := s.root
	for _, seg := range path[:len(path)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[seg] = child
		}
		node = child
	}
	if doc == nil {
		delete(node, path[len(path)-1])
	} else {
		node[path[len(path)-1]] = doc
	}
}

func (s *Server) bumpVersion(path []string) {
	s.versions[strings.Join(path, "/")]++
}

func (s *Server) version(path []string) string {
	return fmt.Sprintf("v%d", s.versions[strings.Join(path, "/")])
}

// notify delivers an event to every subscriber whose watched root
// contains the written path. The data payload is the event's own
// content: patch events carry the merged fields (nulls included, as
// deletions), put events the replacement value.
func (s *Server) notify(kind string, path []string, data any) {
	for _, sub := range s.subscribers {
		if len(path) < len(sub.root) {
			continue
		}
		matches := true
		for i, seg := range sub.root {
			if path[i] != seg {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		relative := "/" + strings.Join(path[len(sub.root):], "/")
		payload, _ := json.Marshal(map[string]any{"path": relative, "data": data})
		select {
		case sub.events <- fmt.Sprintf("event: %s\ndata: %s\n\n", kind, payload):
		default:
		}
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream" {
		s.handleStream(w, r)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := segments(r.URL.Path)

	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("X-Firebase-ETag") == "true" {
			w.Header().Set("ETag", s.version(path))
		}
		payload, _ := json.Marshal(s.read(path))
		w.Write(payload)

	case http.MethodPatch:
		s.Writes++
		fields := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for key, value := range fields {
			s.write(append(append([]string{}, path...), key), value)
		}
		s.bumpVersion(path)
		s.notify("patch", path, fields)
		payload, _ := json.Marshal(fields)
		w.Write(payload)

	case http.MethodPut:
		s.Writes++
		if match := r.Header.Get("if-match"); match != "" && match != s.version(path) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		var doc any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.write(path, doc)
		s.bumpVersion(path)
		s.notify("put", path, doc)
		payload, _ := json.Marshal(doc)
		w.Write(payload)

	case http.MethodDelete:
		s.Writes++
		s.write(path, nil)
		s.bumpVersion(path)
		s.notify("put", path, nil)
		w.Write([]byte("null"))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	path := segments(r.URL.Path)
	sub := &subscriber{root: path, events: make(chan string, 64)}
	initial, _ := json.Marshal(map[string]any{"path": "/", "data": s.read(path)})
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, existing := range s.subscribers {
			if existing == sub {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: put\ndata: %s\n\n", initial)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case event := <-sub.events:
			fmt.Fprint(w, event)
			flusher.Flush()
		}
	}
}
