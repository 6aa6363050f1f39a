package observe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestStartSpan_Attributes(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(context.Background(), "engine.start", attribute.Int("channels", 2))
	if TraceID(ctx) == "" {
		t.Error("span context should carry a trace id")
	}
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "engine.start" || spans[0].Status.Code != codes.Unset {
		t.Errorf("span = %s %v", spans[0].Name, spans[0].Status)
	}
	if len(spans[0].Attributes) != 1 || spans[0].Attributes[0].Value.AsInt64() != 2 {
		t.Errorf("attributes = %v", spans[0].Attributes)
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   codes.Code
		wantEvents []string
	}{
		{"success", nil, codes.Unset, nil},
		{"failure", errors.New("dial refused"), codes.Error, []string{"exception"}},
		{"canceled", fmt.Errorf("engine: start: %w", context.Canceled), codes.Unset, []string{"canceled"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := installTracer(t)
			_, span := StartSpan(context.Background(), "op")
			EndSpan(span, tc.err)

			s := exp.GetSpans()[0]
			if s.Status.Code != tc.wantCode {
				t.Errorf("status = %v, want %v", s.Status.Code, tc.wantCode)
			}
			var events []string
			for _, e := range s.Events {
				events = append(events, e.Name)
			}
			if strings.Join(events, ",") != strings.Join(tc.wantEvents, ",") {
				t.Errorf("events = %v, want %v", events, tc.wantEvents)
			}
		})
	}
}

func TestLogger_TraceID(t *testing.T) {
	installTracer(t)
	logs := captureLogs(t)

	Logger(context.Background()).Info("plain")
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	Logger(ctx).Info("traced")

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %q", lines)
	}
	if strings.Contains(lines[0], "trace_id") {
		t.Errorf("untraced line has trace_id: %s", lines[0])
	}
	if !strings.Contains(lines[1], "trace_id="+TraceID(ctx)) {
		t.Errorf("traced line missing trace_id: %s", lines[1])
	}
}
