package router

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestShouldRunWorkflow(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		want   bool
	}{
		{"below threshold", Intent{Action: "book_meeting", Confidence: 0.79}, false},
		{"at threshold", Intent{Action: "book_meeting", Confidence: 0.8}, true},
		{"high confidence", Intent{Action: "book_meeting", Confidence: 0.92}, true},
		{"generic at threshold", Intent{Action: ActionGenericAssistance, Confidence: 0.8}, false},
		{"generic certain", Intent{Action: ActionGenericAssistance, Confidence: 1}, false},
		{"zero", Intent{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRunWorkflow(tt.intent); got != tt.want {
				t.Errorf("ShouldRunWorkflow(%+v) = %v, want %v", tt.intent, got, tt.want)
			}
		})
	}
}

func TestFromResult(t *testing.T) {
	tests := []struct {
		name string
		in   WorkflowResult
		want Outcome
	}{
		{
			name: "completed",
			in:   WorkflowResult{Success: true, Summary: "Meeting booked", Actions: []string{"Created event"}},
			want: Completed{Summary: "Meeting booked", Actions: []string{"Created event"}},
		},
		{
			name: "default flow wins over success",
			in:   WorkflowResult{Success: true, UseDefaultFlow: true},
			want: Deferred{},
		},
		{
			name: "deferred with reason",
			in:   WorkflowResult{UseDefaultFlow: true, Error: "not my job"},
			want: Deferred{Reason: "not my job"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FromResult(tt.in)); diff != "" {
				t.Errorf("FromResult (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("failed", func(t *testing.T) {
		f, ok := FromResult(WorkflowResult{Error: "calendar down"}).(Failed)
		if !ok {
			t.Fatal("want Failed")
		}
		if f.Err == nil || f.Err.Error() != "calendar down" {
			t.Errorf("Err = %v", f.Err)
		}
	})
	t.Run("failed without message", func(t *testing.T) {
		f, ok := FromResult(WorkflowResult{}).(Failed)
		if !ok || f.Err == nil {
			t.Fatalf("got %+v, want Failed with an error", f)
		}
	})
}

func TestOutcomeName(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Completed{}, "completed"},
		{Deferred{}, "deferred"},
		{Failed{Err: errors.New("x")}, "failed"},
		{nil, "none"},
	}
	for _, tt := range tests {
		if got := OutcomeName(tt.o); got != tt.want {
			t.Errorf("OutcomeName(%T) = %q, want %q", tt.o, got, tt.want)
		}
	}
}
