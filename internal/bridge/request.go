package bridge

import (
	"encoding/json"

	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/ellproxy/ellproxy-core/internal/reasoningcache"
)

// Bridge holds the shared state the translator needs: the catalog for
// model rewriting and the reasoning cache for stamping
// reasoning_content onto prior assistant turns.
type Bridge struct {
	Catalog *catalog.Catalog
	Cache   *reasoningcache.Cache
}

// New builds a Bridge. cache may be nil, in which case every assistant
// turn gets the cache's sentinel default text.
func New(cat *catalog.Catalog, cache *reasoningcache.Cache) *Bridge {
	return &Bridge{Catalog: cat, Cache: cache}
}

// ToOpenAI translates an Anthropic Messages request into an OpenAI
// Chat Completions request, per the field mapping in the bridge spec.
func (b *Bridge) ToOpenAI(req *AnthropicRequest) *ChatCompletionRequest {
	out := &ChatCompletionRequest{
		Model:       b.rewriteModel(req.Model),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}

	var messages []OpenAIMsg
	if sys := ParseSystem(req.System); sys != "" {
		messages = append(messages, OpenAIMsg{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		messages = append(messages, b.translateMessage(m)...)
	}
	out.Messages = messages

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return out
}

func (b *Bridge) rewriteModel(model string) string {
	if b.Catalog == nil {
		return model
	}
	upstream, _, _, _ := b.Catalog.Rewrite(model)
	return upstream
}

// translateMessage converts a single Anthropic turn. A message whose
// content mixes tool_result blocks with anything else is unusual;
// Anthropic's own clients always send tool_result as the sole content
// of a user-role message. The non-tool_result blocks become one OpenAI
// message (emitted also when there are no blocks at all), and each
// tool_result block becomes its own tool-role message after it.
func (b *Bridge) translateMessage(m AnthropicMsg) []OpenAIMsg {
	blocks := ParseContent(m.Content)

	var toolResults []ContentBlock
	var rest []ContentBlock
	for _, blk := range blocks {
		if blk.Type == "tool_result" {
			toolResults = append(toolResults, blk)
		} else {
			rest = append(rest, blk)
		}
	}

	var out []OpenAIMsg
	if len(rest) > 0 || len(toolResults) == 0 {
		out = append(out, b.translateContentMessage(m.Role, rest))
	}
	for _, tr := range toolResults {
		out = append(out, OpenAIMsg{
			Role:       "tool",
			ToolCallID: tr.ToolUseID,
			Content:    flattenToolResult(tr.Content),
		})
	}
	return out
}

func (b *Bridge) translateContentMessage(role string, blocks []ContentBlock) OpenAIMsg {
	msg := OpenAIMsg{Role: role}

	var parts []OpenAIContentPart
	var toolCalls []OpenAIToolCall
	var plainText string
	onlyText := true

	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, OpenAIContentPart{Type: "text", Text: blk.Text})
			plainText += blk.Text
		case "image":
			onlyText = false
			if blk.Source != nil {
				url := "data:" + blk.Source.MediaType + ";base64," + blk.Source.Data
				parts = append(parts, OpenAIContentPart{Type: "image_url", ImageURL: &OpenAIImgURL{URL: url}})
			}
		case "tool_use":
			onlyText = false
			args, _ := json.Marshal(decodeRaw(blk.Input))
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   blk.ID,
				Type: "function",
				Function: OpenAIToolCallFunc{
					Name:      blk.Name,
					Arguments: string(args),
				},
			})
		}
	}

	if onlyText && len(parts) <= 1 {
		msg.Content = plainText
	} else if len(parts) > 0 {
		msg.Content = parts
	}
	msg.ToolCalls = toolCalls

	if role == "assistant" {
		msg.ReasoningContent = b.retrieveReasoning(plainText)
	}

	return msg
}

func (b *Bridge) retrieveReasoning(content string) string {
	if b.Cache == nil {
		return reasoningcache.DefaultText
	}
	reasoning, _ := b.Cache.Retrieve([]byte(content))
	return reasoning
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks := ParseContent(raw)
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out
}
