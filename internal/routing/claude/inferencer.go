// Package claude implements text inference with the Anthropic Messages API.
// The model extracts acuity, chief complaint and vitals from a field report;
// facilities are then ranked by the routing service.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/ermct/internal/routing"
)

const defaultMaxTokens = 512

const systemPrompt = `You are an emergency medical triage assistant for paramedics in Seoul.
Read the field report and answer with a single JSON object and nothing else:
{"ktas_level": <1-5>, "chief_complaint": "<short complaint>",
 "vitals": {"avpu": "A|V|P|U", "rr": <number|null>, "bp_sys": <number|null>, "bp_dia": <number|null>, "hr": <number|null>, "bt": <number|null>}}
Use null for vitals the report does not mention. Level 1 is the most urgent.`

// ErrAudioUnsupported is returned by InferAudio when no audio backend is set.
var ErrAudioUnsupported = errors.New("claude: audio inference not configured")

var _ routing.Inferencer = (*Inferencer)(nil)

type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Inferencer extracts a classification with Claude and ranks facilities via
// route.
type Inferencer struct {
	msgs      messagesAPI
	model     string
	maxTokens int64
	route     routing.Service
	audio     routing.Inferencer
}

// New creates an Inferencer. audio handles InferAudio and may be nil.
func New(apiKey, model string, route routing.Service, audio routing.Inferencer, opts ...option.RequestOption) *Inferencer {
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Inferencer{
		msgs:      &client.Messages,
		model:     model,
		maxTokens: defaultMaxTokens,
		route:     route,
		audio:     audio,
	}
}

type extraction struct {
	KTASLevel      int            `json:"ktas_level"`
	ChiefComplaint string         `json:"chief_complaint"`
	Vitals         routing.Vitals `json:"vitals"`
}

// InferText classifies report and returns ranked facilities with the extracted
// vitals attached.
func (i *Inferencer) InferText(ctx context.Context, report string) (*routing.Response, error) {
	msg, err := i.msgs.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(i.model),
		MaxTokens: i.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(report)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: messages: %w", err)
	}

	ex, err := parseExtraction(messageText(msg))
	if err != nil {
		return nil, err
	}

	resp, err := i.route.RouteByAcuity(ctx, routing.RouteRequest{
		KTASLevel:      ex.KTASLevel,
		ChiefComplaint: routing.ChiefComplaint(ex.ChiefComplaint),
	})
	if err != nil {
		return nil, fmt.Errorf("claude: route: %w", err)
	}

	if resp.Case.KTAS == 0 {
		resp.Case.KTAS = ex.KTASLevel
	}
	if resp.Case.ComplaintLabel == "" {
		resp.Case.ComplaintLabel = ex.ChiefComplaint
	}
	vitals := ex.Vitals
	resp.Vitals = &vitals
	return resp, nil
}

// InferAudio delegates to the configured audio backend.
func (i *Inferencer) InferAudio(ctx context.Context, a routing.Audio) (*routing.Response, error) {
	if i.audio == nil {
		return nil, ErrAudioUnsupported
	}
	return i.audio.InferAudio(ctx, a)
}

func messageText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseExtraction decodes the first JSON object in text, tolerating code fences
// or prose around it.
func parseExtraction(text string) (extraction, error) {
	var ex extraction
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ex, fmt.Errorf("claude: no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &ex); err != nil {
		return ex, fmt.Errorf("claude: decode reply: %w", err)
	}
	if ex.KTASLevel < 1 || ex.KTASLevel > 5 {
		return ex, fmt.Errorf("claude: ktas_level %d out of range", ex.KTASLevel)
	}
	return ex, nil
}
