// Package catalog holds the ModelCatalog: the process-wide table of
// routable models plus the routing toggles a surrounding UI mutates.
// The request path reads it; the only state it updates is the
// recently-routed key list.
package catalog

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ellproxy/ellproxy-core/internal/notifier"
)

// Provider is a closed set of upstream-capable backends.
type Provider string

const (
	ProviderAntigravity Provider = "antigravity"
	ProviderGoogle      Provider = "google"
	ProviderQwen        Provider = "qwen"
	ProviderIFlow       Provider = "iflow"
	ProviderCodex       Provider = "codex"
	ProviderClaude      Provider = "claude"
	ProviderCopilot     Provider = "copilot"
	ProviderKiro        Provider = "kiro"
)

// ReasoningLevel is the coarse thinking-budget dial a user picks.
type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// Budget returns the token budget associated with a reasoning level.
// Unrecognized levels fall back to medium.
func (r ReasoningLevel) Budget() int {
	switch r {
	case ReasoningLow:
		return 4096
	case ReasoningHigh:
		return 32000
	default:
		return 16000
	}
}

// ModelKey is the canonical addressable form "provider:id".
type ModelKey string

// NewModelKey builds a ModelKey from its parts.
func NewModelKey(provider Provider, id string) ModelKey {
	return ModelKey(fmt.Sprintf("%s:%s", provider, id))
}

// ModelEntry is an immutable record describing one routable model.
type ModelEntry struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Provider          Provider `json:"provider"`
	UpstreamModel     string   `json:"upstream_model"`
	SupportsThinking  bool     `json:"supports_thinking"`
	MinThinkingBudget int      `json:"min_thinking_budget,omitempty"`
	MaxThinkingBudget int      `json:"max_thinking_budget,omitempty"`
}

// Key returns the entry's canonical ModelKey.
func (e ModelEntry) Key() ModelKey {
	return NewModelKey(e.Provider, e.ID)
}

// RewriteReason classifies why Rewrite produced the value it did.
type RewriteReason int

const (
	ReasonUnchanged RewriteReason = iota
	ReasonForced                  // panic mode: unconditionally forced to the default
	ReasonMatched                 // matched a catalog entry (exact/date/prefix)
	ReasonAutoAlias               // "auto" substring fallback to the default
)

// matchKind distinguishes a real catalog match from the "fell back to
// the default because nothing matched" case, which must NOT be treated
// as a match by Rewrite's "matched non-trivially" rule.
type matchKind int

const (
	matchNone matchKind = iota
	matchExact
	matchDateSuffix
	matchPrefix
	matchDefaultFallback
)

var dateSuffixRe = regexp.MustCompile(`-(\d{8})$`)

// Catalog is the process-wide model table. Safe for concurrent reads;
// writes are expected to come from a single external writer (the UI).
type Catalog struct {
	mu sync.RWMutex

	entries []ModelEntry

	routingEnabled   bool
	notifyOnRouting  bool
	defaultKey       ModelKey
	fallbackKey      ModelKey
	defaultThinkKey  ModelKey
	fallbackThinkKey ModelKey
	reasoningLevel   ReasoningLevel
	recentKeys       []ModelKey

	notify notifier.Sink
}

const recentKeysCap = 5

// New creates a catalog from an ordered entry list. sink may be nil, in
// which case notifications are discarded.
func New(entries []ModelEntry, sink notifier.Sink) *Catalog {
	if sink == nil {
		sink = notifier.Nop{}
	}
	return &Catalog{
		entries:        append([]ModelEntry(nil), entries...),
		routingEnabled: true,
		reasoningLevel: ReasoningMedium,
		notify:         sink,
	}
}

// --- writer-side mutation (external UI thread only) ---

func (c *Catalog) SetRoutingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routingEnabled = enabled
}

func (c *Catalog) SetNotifyOnRouting(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyOnRouting = enabled
}

func (c *Catalog) SetReasoningLevel(level ReasoningLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasoningLevel = level
}

// SetDefaultModelKey sets the fast-track default. The key must reference
// an existing entry or be empty.
func (c *Catalog) SetDefaultModelKey(key ModelKey) error {
	return c.setKey(&c.defaultKey, key, false)
}

func (c *Catalog) SetFallbackModelKey(key ModelKey) error {
	return c.setKey(&c.fallbackKey, key, false)
}

func (c *Catalog) SetDefaultThinkingModelKey(key ModelKey) error {
	return c.setKey(&c.defaultThinkKey, key, true)
}

func (c *Catalog) SetFallbackThinkingModelKey(key ModelKey) error {
	return c.setKey(&c.fallbackThinkKey, key, true)
}

func (c *Catalog) setKey(slot *ModelKey, key ModelKey, requireThinking bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		*slot = ""
		return nil
	}
	e := c.findByKeyLocked(key)
	if e == nil {
		return fmt.Errorf("catalog: no such model %q", key)
	}
	if requireThinking && !e.SupportsThinking {
		return fmt.Errorf("catalog: model %q does not support thinking", key)
	}
	*slot = key
	return nil
}

// ReplaceEntries swaps the whole entry table, e.g. after reloading the
// bundled + overlay JSON files from disk. Dangling key references are
// dropped per the catalog invariants.
func (c *Catalog) ReplaceEntries(entries []ModelEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append([]ModelEntry(nil), entries...)
	c.fixDanglingKeysLocked()
}

// DeleteEntry removes an entry by key. If the deleted entry was the
// default, the default is reset to the first remaining entry; any other
// key that referenced it is cleared.
func (c *Catalog) DeleteEntry(key ModelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.entries[:0:0]
	for _, e := range c.entries {
		if e.Key() != key {
			out = append(out, e)
		}
	}
	c.entries = out
	c.fixDanglingKeysLocked()
}

func (c *Catalog) fixDanglingKeysLocked() {
	if c.defaultKey != "" && c.findByKeyLocked(c.defaultKey) == nil {
		if len(c.entries) > 0 {
			c.defaultKey = c.entries[0].Key()
		} else {
			c.defaultKey = ""
		}
	}
	if c.fallbackKey != "" && c.findByKeyLocked(c.fallbackKey) == nil {
		c.fallbackKey = ""
	}
	if c.defaultThinkKey != "" && c.findByKeyLocked(c.defaultThinkKey) == nil {
		c.defaultThinkKey = ""
	}
	if c.fallbackThinkKey != "" && c.findByKeyLocked(c.fallbackThinkKey) == nil {
		c.fallbackThinkKey = ""
	}
}

func (c *Catalog) findByKeyLocked(key ModelKey) *ModelEntry {
	for i := range c.entries {
		if c.entries[i].Key() == key {
			return &c.entries[i]
		}
	}
	return nil
}

// --- reader-side (request path) ---

func (c *Catalog) RoutingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routingEnabled
}

func (c *Catalog) ReasoningLevel() ReasoningLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reasoningLevel
}

func (c *Catalog) DefaultEntry() *ModelEntry       { return c.entryFor(func() ModelKey { return c.defaultKey }) }
func (c *Catalog) FallbackEntry() *ModelEntry      { return c.entryFor(func() ModelKey { return c.fallbackKey }) }
func (c *Catalog) DefaultThinkingEntry() *ModelEntry {
	return c.entryFor(func() ModelKey { return c.defaultThinkKey })
}
func (c *Catalog) FallbackThinkingEntry() *ModelEntry {
	return c.entryFor(func() ModelKey { return c.fallbackThinkKey })
}

func (c *Catalog) entryFor(key func() ModelKey) *ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k := key()
	if k == "" {
		return nil
	}
	if e := c.findByKeyLocked(k); e != nil {
		cp := *e
		return &cp
	}
	return nil
}

// EntryByKey looks up an entry by its canonical key.
func (c *Catalog) EntryByKey(key ModelKey) *ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.findByKeyLocked(key); e != nil {
		cp := *e
		return &cp
	}
	return nil
}

// Match resolves a client-requested model string to a catalog entry
// using, in order: exact id match, date-suffix-stripped match, prefix
// match, and finally the current default (if any).
func (c *Catalog) Match(requested string) *ModelEntry {
	e, _ := c.match(requested)
	return e
}

func (c *Catalog) match(requested string) (*ModelEntry, matchKind) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchLocked(requested)
}

func (c *Catalog) matchLocked(requested string) (*ModelEntry, matchKind) {
	for i := range c.entries {
		if c.entries[i].ID == requested {
			cp := c.entries[i]
			return &cp, matchExact
		}
	}
	if m := dateSuffixRe.FindStringSubmatch(requested); m != nil {
		stripped := strings.TrimSuffix(requested, m[0])
		for i := range c.entries {
			if c.entries[i].ID == stripped {
				cp := c.entries[i]
				return &cp, matchDateSuffix
			}
		}
	}
	for i := range c.entries {
		id := c.entries[i].ID
		if strings.HasPrefix(requested, id+"-") || strings.HasPrefix(requested, id+"_") {
			cp := c.entries[i]
			return &cp, matchPrefix
		}
	}
	if c.defaultKey != "" {
		if e := c.findByKeyLocked(c.defaultKey); e != nil {
			cp := *e
			return &cp, matchDefaultFallback
		}
	}
	return nil, matchNone
}

// Rewrite resolves the upstream model string to send for a
// client-requested model, applying panic mode, catalog matching, and
// the "auto" substring fallback, in that order. It fires a notification
// whenever the resolved value differs from the requested one and
// notifications are enabled. entry is the catalog entry the resolution
// actually matched (nil only for ReasonUnchanged) — callers that need
// to reason about the matched model's capabilities (e.g. whether it
// supports thinking) must use this return value rather than re-running
// Match against the rewritten upstream string, since upstream_model and
// id are independent fields and re-matching on upstream can silently
// resolve to an unrelated entry.
func (c *Catalog) Rewrite(requested string) (upstream string, routed bool, reason RewriteReason, entry *ModelEntry) {
	c.mu.RLock()
	routingEnabled := c.routingEnabled
	notify := c.notifyOnRouting
	def := (*ModelEntry)(nil)
	if c.defaultKey != "" {
		if e := c.findByKeyLocked(c.defaultKey); e != nil {
			cp := *e
			def = &cp
		}
	}
	c.mu.RUnlock()

	if !routingEnabled && def != nil {
		c.touchRecent(def.Key())
		if def.UpstreamModel != requested && notify {
			c.notify.Notify(fmt.Sprintf("Default Model: %s (%s)", def.UpstreamModel, def.Provider))
		}
		return def.UpstreamModel, true, ReasonForced, def
	}

	matched, kind := c.match(requested)
	switch kind {
	case matchExact, matchDateSuffix, matchPrefix:
		c.touchRecent(matched.Key())
		if matched.UpstreamModel != requested && notify {
			c.notify.Notify(fmt.Sprintf("Using %s (%s)", matched.UpstreamModel, matched.Provider))
		}
		return matched.UpstreamModel, matched.UpstreamModel != requested, ReasonMatched, matched
	}

	if strings.Contains(strings.ToLower(requested), "auto") && def != nil {
		c.touchRecent(def.Key())
		if def.UpstreamModel != requested && notify {
			c.notify.Notify(fmt.Sprintf("Using %s (%s)", def.UpstreamModel, def.Provider))
		}
		return def.UpstreamModel, true, ReasonAutoAlias, def
	}

	return requested, false, ReasonUnchanged, nil
}

func (c *Catalog) touchRecent(key ModelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	filtered := c.recentKeys[:0:0]
	filtered = append(filtered, key)
	for _, k := range c.recentKeys {
		if k != key {
			filtered = append(filtered, k)
		}
	}
	if len(filtered) > recentKeysCap {
		filtered = filtered[:recentKeysCap]
	}
	c.recentKeys = filtered
}

// RecentKeys returns the bounded, most-recent-first list of recently
// routed model keys.
func (c *Catalog) RecentKeys() []ModelKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ModelKey(nil), c.recentKeys...)
}

// Entries returns a copy of the ordered entry list.
func (c *Catalog) Entries() []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ModelEntry(nil), c.entries...)
}
