package formula

import (
	"errors"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		value   string
		want    float64
	}{
		{"identity", "x", "42", 42.0},
		{"multiply", "x*2", "10", 20.0},
		{"parentheses", "(x+1)*3", "5", 18.0},
		{"nested parentheses", "((x+1)*2)+1", "1", 5.0},
		{"power", "x^2", "3", 9.0},
		{"kelvin offset", "x-2731", "2981", 250.0},
		{"higher then lower reduces", "x*3+4", "2", 10.0},
		{"lower then higher defers", "x+3*4", "2", 14.0},
		{"spaces ignored", "x * 2 + 1", "4", 9.0},
		{"negative raw value", "x*2", "-5", -10.0},
		{"negative raw in parentheses", "(x+1)*3", "-5", -12.0},
		{"empty formula", "", "10", 0.0},
		{"empty value", "x*2", "", 0.0},
		{"mismatched close", "x*2)", "3", 0.0},
		{"mismatched open", "(x*2", "3", 0.0},
		{"garbage token", "x*abc", "3", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.formula, tt.value); got != tt.want {
				t.Errorf("Evaluate(%q, %q) = %v, want %v", tt.formula, tt.value, got, tt.want)
			}
		})
	}
}

// Runs of equal-priority operators fold right to left.
func TestEvaluate_AsymmetricReduction(t *testing.T) {
	if got := Evaluate("x-2-3", "10"); got != 11.0 {
		t.Errorf("x-2-3 with x=10 = %v, want 11", got)
	}
	if got := Evaluate("x-3+4", "2"); got != -5.0 {
		t.Errorf("x-3+4 with x=2 = %v, want -5", got)
	}
	if got := Evaluate("x/2/2", "8"); got != 8.0 {
		t.Errorf("x/2/2 with x=8 = %v, want 8", got)
	}
}

func TestEvaluate_NoPlaceholder(t *testing.T) {
	for _, f := range []string{"1+2", "10", "(3*4)", "y*2", "-"} {
		for _, v := range []string{"0", "1", "-7", "12345", "3.5"} {
			if got := Evaluate(f, v); got != 0.0 {
				t.Errorf("Evaluate(%q, %q) = %v, want 0", f, v, got)
			}
		}
	}
}

func TestEval_Errors(t *testing.T) {
	if _, err := Eval("(x+1", "1"); !errors.Is(err, ErrMismatchedParens) {
		t.Errorf("expected ErrMismatchedParens, got %v", err)
	}
	if _, err := Eval("x+1)", "1"); !errors.Is(err, ErrMismatchedParens) {
		t.Errorf("expected ErrMismatchedParens, got %v", err)
	}
	if _, err := Eval("x*/2", "1"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if v, err := Eval("x/4", "10"); err != nil || v != 2.5 {
		t.Errorf("Eval(x/4, 10) = %v, %v", v, err)
	}
}
