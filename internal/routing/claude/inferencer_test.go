package claude

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/ermct/internal/routing"
)

type fakeMessages struct {
	reply string
	err   error
	got   anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

type fakeRoute struct {
	got  routing.RouteRequest
	resp *routing.Response
	err  error
}

func (f *fakeRoute) RouteByAcuity(_ context.Context, req routing.RouteRequest) (*routing.Response, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeRoute) RouteNearest(context.Context, routing.NearestRequest) (*routing.Response, error) {
	return nil, errors.New("unused")
}

func newTest(msgs messagesAPI, route routing.Service) *Inferencer {
	return &Inferencer{msgs: msgs, model: "claude-test", maxTokens: 64, route: route}
}

func TestInferText_ExtractsAndRoutes(t *testing.T) {
	t.Parallel()

	msgs := &fakeMessages{reply: "```json\n" +
		`{"ktas_level": 2, "chief_complaint": "chest pain", "vitals": {"avpu": "A", "rr": 24, "bp_sys": 150, "bp_dia": 95, "hr": 110, "bt": null}}` +
		"\n```"}
	route := &fakeRoute{resp: &routing.Response{Hospitals: []routing.Hospital{{ID: "H1"}}}}

	resp, err := newTest(msgs, route).InferText(context.Background(), "환자 보고: 가슴 통증")
	if err != nil {
		t.Fatalf("InferText: %v", err)
	}

	if route.got.KTASLevel != 2 || route.got.ChiefComplaint != routing.ComplaintChestPain {
		t.Errorf("route request = %+v", route.got)
	}
	if resp.Case.KTAS != 2 || resp.Case.ComplaintLabel != "chest pain" {
		t.Errorf("case = %+v", resp.Case)
	}
	if resp.Vitals == nil || resp.Vitals.HR == nil || *resp.Vitals.HR != 110 || resp.Vitals.BT != nil {
		t.Errorf("vitals = %+v", resp.Vitals)
	}
	if string(msgs.got.Model) != "claude-test" || len(msgs.got.Messages) != 1 || len(msgs.got.System) != 1 {
		t.Errorf("params = %+v", msgs.got)
	}
}

func TestInferText_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		msgs  *fakeMessages
		route *fakeRoute
	}{
		{"api error", &fakeMessages{err: errors.New("overloaded")}, &fakeRoute{}},
		{"no json", &fakeMessages{reply: "I cannot help"}, &fakeRoute{}},
		{"bad json", &fakeMessages{reply: "{ktas_level: two}"}, &fakeRoute{}},
		{"level out of range", &fakeMessages{reply: `{"ktas_level": 9}`}, &fakeRoute{}},
		{"route error", &fakeMessages{reply: `{"ktas_level": 3, "chief_complaint": "x"}`}, &fakeRoute{err: errors.New("503")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := newTest(tt.msgs, tt.route).InferText(context.Background(), "r"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestInferAudio_Delegates(t *testing.T) {
	t.Parallel()

	inf := newTest(&fakeMessages{}, &fakeRoute{})
	if _, err := inf.InferAudio(context.Background(), routing.Audio{}); !errors.Is(err, ErrAudioUnsupported) {
		t.Fatalf("err = %v, want ErrAudioUnsupported", err)
	}
}

func TestNew_UsesMessagesEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sk-test" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"ktas_level\": 4, \"chief_complaint\": \"ankle\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	route := &fakeRoute{resp: &routing.Response{}}
	inf := New("sk-test", "claude-test", route, nil, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	resp, err := inf.InferText(context.Background(), "ankle sprain")
	if err != nil {
		t.Fatalf("InferText: %v", err)
	}
	if resp.Case.KTAS != 4 {
		t.Errorf("KTAS = %d, want 4", resp.Case.KTAS)
	}
}
