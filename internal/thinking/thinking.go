// Package thinking implements the routing and reasoning-budget shaping
// applied to every chat request before it reaches an upstream: alias
// expansion, catalog-based model rewriting, thinking/reasoning
// capability reconciliation, and token-budget sizing.
package thinking

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/ellproxy/ellproxy-core/internal/notifier"
)

const (
	hardCap           = 33024 // raised from 32000; see DESIGN.md open-question resolution.
	minimumHeadroom   = 1024
	headroomRatio     = 0.10
	explicitSuffixMax = 31999
)

// TestHeaderName marks a sync/probe request. Its presence bypasses all
// routing; the model is passed through unchanged.
const TestHeaderName = "X-EllProxy-Test"

const (
	aliasDefault  = "ellproxy-default"
	aliasThinking = "ellproxy-thinking"
)

var suffixRe = regexp.MustCompile(`-thinking-(-?\d+)$`)

// Shaper applies routing and thinking-budget shaping to a decoded
// OpenAI-format chat request body, represented as a generic JSON tree
// (map[string]any) so both the native-OpenAI path and the
// translated-from-Anthropic path can share one implementation.
type Shaper struct {
	Catalog *catalog.Catalog
	Notify  notifier.Sink
}

// New builds a Shaper. A nil sink falls back to notifier.Nop.
func New(cat *catalog.Catalog, sink notifier.Sink) *Shaper {
	if sink == nil {
		sink = notifier.Nop{}
	}
	return &Shaper{Catalog: cat, Notify: sink}
}

// Shape mutates body in place per spec steps 1-6 and reports whether
// the final model selection is thinking-enabled.
func (s *Shaper) Shape(body map[string]any, isSyncProbe bool) (thinkingEnabled bool) {
	if isSyncProbe {
		return false
	}

	model, _ := body["model"].(string)
	requested := model
	var matched *catalog.ModelEntry

	if acted, entry := s.expandAlias(body, model); acted {
		model, _ = body["model"].(string)
		matched = entry
	} else if s.Catalog != nil {
		upstream, routed, reason, entry := s.Catalog.Rewrite(model)
		if routed {
			body["model"] = upstream
			s.notifyRewrite(entry, reason)
		}
		model = upstream
		matched = entry
	}

	model, matched = s.reconcileCapability(body, model, matched)

	return s.injectReasoning(body, requested, model, matched)
}

// expandAlias resolves the "ellproxy-default"/"ellproxy-thinking"
// aliases and returns the catalog entry the alias resolved to, so
// callers don't need to re-match the rewritten upstream string (which
// may share nothing with its id).
func (s *Shaper) expandAlias(body map[string]any, model string) (bool, *catalog.ModelEntry) {
	if s.Catalog == nil {
		return false, nil
	}
	switch model {
	case aliasDefault:
		e := s.Catalog.DefaultEntry()
		if e == nil {
			return false, nil
		}
		body["model"] = e.UpstreamModel
		s.Notify.Notify("Default Model: " + e.Name + " (" + string(e.Provider) + ")")
		return true, e
	case aliasThinking:
		e := s.Catalog.DefaultThinkingEntry()
		if e == nil {
			return false, nil
		}
		body["model"] = e.UpstreamModel
		s.Notify.Notify("Default Thinking Model: " + e.Name + " (" + string(e.Provider) + ")")
		return true, e
	default:
		return false, nil
	}
}

func (s *Shaper) notifyRewrite(entry *catalog.ModelEntry, reason catalog.RewriteReason) {
	if entry == nil {
		return
	}
	name, provider := entry.Name, string(entry.Provider)
	switch reason {
	case catalog.ReasonForced:
		s.Notify.Notify("Default Model: " + name + " (" + provider + ")")
	case catalog.ReasonMatched, catalog.ReasonAutoAlias:
		s.Notify.Notify("Using " + name + " (" + provider + ")")
	}
}

// reconcileCapability implements spec step 4: if the body carries a
// thinking object but the matched entry can't honor it, either switch
// to the default-thinking model or drop the thinking object. matched
// is the entry Shape already resolved for model — this must NOT be
// re-derived by matching against model again, since model is the
// upstream_model string by this point and upstream_model/id are
// independent catalog fields; re-matching on it can silently resolve
// to an unrelated entry (or none at all).
func (s *Shaper) reconcileCapability(body map[string]any, model string, matched *catalog.ModelEntry) (string, *catalog.ModelEntry) {
	if _, hasThinking := body["thinking"]; !hasThinking {
		return model, matched
	}
	if s.Catalog == nil {
		return model, matched
	}
	if matched != nil && matched.SupportsThinking {
		return model, matched
	}
	if fb := s.Catalog.DefaultThinkingEntry(); fb != nil {
		body["model"] = fb.UpstreamModel
		s.Notify.Notify("Using " + fb.Name + " (" + string(fb.Provider) + ")")
		return fb.UpstreamModel, fb
	}
	delete(body, "thinking")
	return model, matched
}

// injectReasoning implements spec step 5. It returns whether thinking
// ended up enabled on the shaped body. When catalog routing replaced a
// suffixed model with the matched entry's upstream name, the
// "-thinking-N" suffix on the requested model still decides the budget.
func (s *Shaper) injectReasoning(body map[string]any, requested, model string, matched *catalog.ModelEntry) bool {
	base, budget, ok := stripExplicitSuffix(model)
	if !ok {
		_, budget, ok = stripExplicitSuffix(requested)
		base = model
	}
	if ok {
		body["model"] = base
		if budget > 0 {
			applyThinking(body, budget)
			return true
		}
		delete(body, "thinking")
		return false
	}

	if strings.HasPrefix(model, "claude-") {
		budget := budgetForLevel(s.reasoningLevel())
		applyThinking(body, budget)
		return true
	}

	if strings.HasPrefix(model, "gemini-") && matched != nil && matched.SupportsThinking {
		body["thinkingLevel"] = string(s.reasoningLevel())
		return true
	}

	return false
}

func (s *Shaper) reasoningLevel() catalog.ReasoningLevel {
	if s.Catalog == nil {
		return catalog.ReasoningMedium
	}
	return s.Catalog.ReasoningLevel()
}

func budgetForLevel(level catalog.ReasoningLevel) int {
	return level.Budget()
}

// stripExplicitSuffix recognizes a literal "-thinking-N" suffix. ok is
// true whenever the suffix was present (so the caller always strips
// it); budget is 0 when N wasn't a valid positive integer, in which
// case the caller must emit no thinking parameters.
func stripExplicitSuffix(model string) (base string, budget int, ok bool) {
	m := suffixRe.FindStringSubmatch(model)
	if m == nil {
		return "", 0, false
	}
	base = model[:len(model)-len(m[0])]
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return base, 0, true
	}
	if n > explicitSuffixMax {
		n = explicitSuffixMax
	}
	return base, n, true
}

// applyThinking sets the thinking object and sizes max_tokens /
// max_output_tokens per the headroom rule.
func applyThinking(body map[string]any, budget int) {
	body["thinking"] = map[string]any{
		"type":          "enabled",
		"budget_tokens": budget,
	}
	required := RequiredMaxTokens(budget)

	if v, ok := body["max_output_tokens"]; ok {
		if cur, isNum := numericValue(v); !isNum || cur <= float64(budget) {
			body["max_output_tokens"] = required
		}
		return
	}
	if v, ok := body["max_tokens"]; ok {
		if cur, isNum := numericValue(v); !isNum || cur <= float64(budget) {
			body["max_tokens"] = required
		}
		return
	}
	body["max_tokens"] = required
}

// RequiredMaxTokens computes the minimum max_tokens value for a given
// thinking budget per the headroom rule: budget + max(minimumHeadroom,
// floor(budget*headroomRatio)), capped at hardCap, but always strictly
// greater than budget.
func RequiredMaxTokens(budget int) int {
	headroom := int(float64(budget) * headroomRatio)
	if headroom < minimumHeadroom {
		headroom = minimumHeadroom
	}
	required := budget + headroom
	if required > hardCap {
		required = hardCap
	}
	if required <= budget {
		required = budget + 1
	}
	return required
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
