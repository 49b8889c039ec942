package captcha

import (
	"errors"
	"strings"
	"testing"
)

func TestParseExpression(t *testing.T) {
	cases := []struct {
		raw  string
		trim int
		want Expression
		eval int
	}{
		{"12 + 7", 0, Expression{12, OpAdd, 7}, 19},
		{"12+7=", 1, Expression{12, OpAdd, 7}, 19},
		{"40 - 15 = ?", 3, Expression{40, OpSub, 15}, 25},
		{"9 − 11", 0, Expression{9, OpSub, 11}, -2},
		{"3 – 1", 0, Expression{3, OpSub, 1}, 2},
		{"  5 +  5\n", 0, Expression{5, OpAdd, 5}, 10},
		{"8 + 4 =7", 1, Expression{8, OpAdd, 4}, 12},
	}
	for _, c := range cases {
		got, err := ParseExpression(c.raw, c.trim)
		if err != nil {
			t.Errorf("ParseExpression(%q, %d): %v", c.raw, c.trim, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseExpression(%q, %d): got %v, want %v", c.raw, c.trim, got, c.want)
		}
		if got.Eval() != c.eval {
			t.Errorf("Eval(%v): got %d, want %d", got, got.Eval(), c.eval)
		}
	}
}

func TestParseExpression_ParseErrors(t *testing.T) {
	for _, raw := range []string{"", "12", "abc", "1 + 2 + 3", "12 7", "12+", "12+7"} {
		trim := 0
		if raw == "12+7" {
			trim = 1
		}
		_, err := ParseExpression(raw, trim)
		if !errors.Is(err, ErrCaptchaParse) {
			t.Errorf("ParseExpression(%q): got %v, want ErrCaptchaParse", raw, err)
		}
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Raw != raw {
			t.Errorf("ParseExpression(%q): want *ParseError carrying the raw text", raw)
		}
	}
}

func TestParseExpression_UnsupportedOperator(t *testing.T) {
	for _, raw := range []string{"6 x 7", "6 * 7", "8 / 2"} {
		_, err := ParseExpression(raw, 0)
		if !errors.Is(err, ErrUnsupportedOperator) {
			t.Errorf("ParseExpression(%q): got %v, want ErrUnsupportedOperator", raw, err)
		}
		if errors.Is(err, ErrCaptchaParse) {
			t.Errorf("ParseExpression(%q): unsupported operator must not be retryable", raw)
		}
	}
}

func TestTesseract_Args(t *testing.T) {
	args := Tesseract{}.Args("/tmp/c.png")
	want := []string{"/tmp/c.png", "stdout", "-l", "eng", "--psm", "7", "-c", "tessedit_char_whitelist=0123456789+-=x*×/÷"}
	if len(args) != len(want) {
		t.Fatalf("args: got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d]: got %q, want %q", i, args[i], want[i])
		}
	}
}

func TestDefaultWhitelist_UnsupportedOperatorsReadable(t *testing.T) {
	for _, op := range []string{"x", "*", "×", "/", "÷"} {
		if !strings.Contains(DefaultWhitelist, op) {
			t.Errorf("whitelist %q lacks %q", DefaultWhitelist, op)
			continue
		}
		_, err := ParseExpression("3 "+op+" 4 =", 1)
		if !errors.Is(err, ErrUnsupportedOperator) {
			t.Errorf("3 %s 4: got %v, want ErrUnsupportedOperator", op, err)
		}
	}
}
