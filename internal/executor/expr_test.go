package executor

import (
	"strings"
	"testing"
)

func TestExprEvaluator_Evaluate(t *testing.T) {
	eval := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       any
		wantErr    bool
	}{
		{
			name:       "simple arithmetic",
			expression: "1 + 2",
			env:        map[string]any{},
			want:       3,
		},
		{
			name:       "value comparison",
			expression: "value > 0.8",
			env:        filterEnv(nil, 0.9),
			want:       true,
		},
		{
			name:       "nested input access",
			expression: "inputs.user.name",
			env: filterEnv(map[string]any{
				"user": map[string]any{"name": "ada"},
			}, nil),
			want: "ada",
		},
		{
			name:       "string functions",
			expression: `value startsWith "http"`,
			env:        filterEnv(nil, "https://example.com"),
			want:       true,
		},
		{
			name:       "array length",
			expression: "len(inputs.items)",
			env:        filterEnv(map[string]any{"items": []any{1, 2, 3}}, nil),
			want:       3,
		},
		{
			name:       "undefined variable is nil",
			expression: "missing == nil",
			env:        map[string]any{},
			want:       true,
		},
		{
			name:       "invalid expression",
			expression: "invalid syntax !!!",
			env:        map[string]any{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expression, tt.env)
			if (err != nil) != tt.wantErr {
				t.Errorf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Evaluate() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestExprEvaluator_EvaluateBool(t *testing.T) {
	eval := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       bool
		wantErr    bool
	}{
		{"true literal", "true", nil, true, false},
		{"non-zero number", "value", filterEnv(nil, 3), true, false},
		{"zero float", "value", filterEnv(nil, 0.0), false, false},
		{"empty string", "value", filterEnv(nil, ""), false, false},
		{"nil", "value", filterEnv(nil, nil), false, false},
		{"map result", "inputs", filterEnv(map[string]any{}, nil), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateBool(tt.expression, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EvaluateBool() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EvaluateBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExprEvaluator_Caching(t *testing.T) {
	eval := NewExprEvaluator()

	for i := 0; i < 3; i++ {
		if _, err := eval.Evaluate("value + 1", filterEnv(nil, i)); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
	}

	eval.mu.RLock()
	n := len(eval.compiled)
	eval.mu.RUnlock()
	if n != 1 {
		t.Errorf("cache has %d programs, want 1", n)
	}
}

func TestExprEvaluator_MaxLength(t *testing.T) {
	eval := NewExprEvaluator()
	eval.MaxExpressionLength = 10

	_, err := eval.Evaluate(strings.Repeat("1+", 10)+"1", nil)
	if err == nil || !strings.Contains(err.Error(), "maximum length") {
		t.Errorf("expected length error, got %v", err)
	}
}
