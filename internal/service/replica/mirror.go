package replica

import "strings"

// mirror is a local reconstruction of a remote subtree, built from
// put (replace) and patch (merge) events addressed by sub-path.
// Containers are plain map[string]any, as decoded from event JSON.
type mirror struct {
	value any
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// put replaces the value at path wholesale. A put at root replaces the
// whole mirror; a put of null deletes the addressed value. Intermediate
// containers are created as needed, and siblings are left untouched.
func (m *mirror) put(path []string, data any) {
	if len(path) == 0 {
		m.value = data
		return
	}

	parent := m.ensureParent(path)
	leaf := path[len(path)-1]
	if data == nil {
		delete(parent, leaf)
	} else {
		parent[leaf] = data
	}
}

// patch shallow-merges fields into the object at path. If the target
// is missing or not an object, the patch degrades to a full
// replacement at that path. Null field values delete fields.
func (m *mirror) patch(path []string, data any) {
	fields, ok := data.(map[string]any)
	if !ok {
		m.put(path, data)
		return
	}

	if len(path) == 0 {
		target, ok := m.value.(map[string]any)
		if !ok {
			m.value = fields
			return
		}
		mergeFields(target, fields)
		return
	}

	parent := m.ensureParent(path)
	leaf := path[len(path)-1]
	target, ok := parent[leaf].(map[string]any)
	if !ok {
		parent[leaf] = fields
		return
	}
	mergeFields(target, fields)
}

func mergeFields(target, fields map[string]any) {
	for key, value := range fields {
		if value == nil {
			delete(target, key)
		} else {
			target[key] = value
		}
	}
}

// ensureParent walks to the container holding the last path segment,
// creating intermediate objects and converting non-object nodes along
// the way.
func (m *mirror) ensureParent(path []string) map[string]any {
	node, ok := m.value.(map[string]any)
	if !ok {
		node = map[string]any{}
		m.value = node
	}
	for _, seg := range path[:len(path)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[seg] = child
		}
		node = child
	}
	return node
}
