package config

import "strings"

// Sensitive reports whether a dot-separated key holds a credential. The
// rule is by final path segment: api_key and token are secrets outright,
// and url counts too because connection URLs carry credentials in their
// userinfo part (database.url, storage.url, amqp.url). llm.base_url ends in
// base_url, not url, and stays visible.
func Sensitive(key string) bool {
	switch key[strings.LastIndex(key, ".")+1:] {
	case "api_key", "token", "url":
		return true
	}
	return false
}

// Flatten converts a nested map into dot-separated keys, so
// {"builds": {"max_concurrent": 5}} becomes {"builds.max_concurrent": 5}.
func Flatten(nested map[string]any) map[string]any {
	flat := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if child, ok := v.(map[string]any); ok {
				walk(prefix+k+".", child)
			} else {
				flat[prefix+k] = v
			}
		}
	}
	walk("", nested)
	return flat
}

// Unflatten is the inverse of Flatten. A scalar left at an intermediate
// position loses to the nested value that needs the slot.
func Unflatten(flat map[string]any) map[string]any {
	nested := make(map[string]any)
	for key, v := range flat {
		insert(nested, strings.Split(key, "."), v)
	}
	return nested
}

func insert(m map[string]any, path []string, v any) {
	if len(path) == 1 {
		m[path[0]] = v
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[path[0]] = child
	}
	insert(child, path[1:], v)
}

// Redact masks sensitive values for display, keeping the last 4 characters
// as a fingerprint when the value is long enough to hide anything.
func Redact(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if !Sensitive(k) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			if tail := len(s) - 4; tail > 0 {
				out[k] = "***" + s[tail:]
			} else {
				out[k] = "***" + s
			}
		}
	}
	return out
}
