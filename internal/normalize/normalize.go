// Package normalize fixes a handful of known client payload quirks in
// an OpenAI-format chat request before it reaches the upstream: nested
// text objects and non-canonical image blocks. Both rewrites are
// idempotent.
package normalize

import "strings"

const base64ImagePrefix = "data:image/"

// Body mutates an OpenAI-format chat request in place, applying the
// nested-text fix and image-shape normalization to every message's
// content array. Messages without an array content (e.g. a plain
// string) are left untouched.
func Body(body map[string]any) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for i, c := range content {
			block, ok := c.(map[string]any)
			if !ok {
				continue
			}
			fixNestedText(block)
			content[i] = normalizeImage(block)
		}
	}
}

// fixNestedText replaces {"type":"text","text":{"text":"..."}} with
// {"type":"text","text":"..."} in place.
func fixNestedText(block map[string]any) {
	if block["type"] != "text" {
		return
	}
	nested, ok := block["text"].(map[string]any)
	if !ok {
		return
	}
	inner, ok := nested["text"].(string)
	if !ok {
		return
	}
	block["text"] = inner
}

// normalizeImage reclassifies non-canonical image blocks into the
// canonical {type:"image_url", image_url:{url:...}} shape, and
// reclassifies a text block whose string payload is itself a base64
// data URL as an image block.
func normalizeImage(block map[string]any) map[string]any {
	t, _ := block["type"].(string)

	if t == "text" {
		if s, ok := block["text"].(string); ok && strings.HasPrefix(s, base64ImagePrefix) {
			return map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": s},
			}
		}
		return block
	}

	if t != "image" && t != "image_url" {
		return block
	}
	if _, wrapped := block["image_url"].(map[string]any); wrapped {
		return block
	}

	url := extractURL(block)
	if url == "" {
		return block
	}
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": url},
	}
}

// extractURL pulls a usable URL out of the various shapes clients send
// for an unwrapped image block: a direct "url" string, an Anthropic-
// style "source" object with media_type/data, or "image_url" as a bare
// string instead of an object.
func extractURL(block map[string]any) string {
	if s, ok := block["image_url"].(string); ok {
		return s
	}
	if s, ok := block["url"].(string); ok {
		return s
	}
	if src, ok := block["source"].(map[string]any); ok {
		mediaType, _ := src["media_type"].(string)
		data, _ := src["data"].(string)
		if mediaType != "" && data != "" {
			return "data:" + mediaType + ";base64," + data
		}
	}
	return ""
}
