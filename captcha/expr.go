// Package captcha solves the portal's arithmetic challenge and drives the
// login form through a bounded retry loop.
package captcha

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrCaptchaParse means the recognised text is not a two-operand
	// expression. A fresh challenge may read better, so it is retryable.
	ErrCaptchaParse = errors.New("captcha: cannot parse challenge")

	// ErrUnsupportedOperator means the challenge uses an operator other than
	// + or -. The challenge format is static, so retrying cannot help.
	ErrUnsupportedOperator = errors.New("captcha: unsupported operator")
)

// ParseError carries the recognised text that failed to parse.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("captcha: cannot parse challenge %q: %s", e.Raw, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrCaptchaParse }

// Op is an arithmetic operator.
type Op rune

const (
	OpAdd Op = '+'
	OpSub Op = '-'
)

// Expression is a parsed challenge: Left Op Right.
type Expression struct {
	Left  int
	Op    Op
	Right int
}

// Eval computes the answer.
func (e Expression) Eval() int {
	if e.Op == OpSub {
		return e.Left - e.Right
	}
	return e.Left + e.Right
}

func (e Expression) String() string {
	return fmt.Sprintf("%d %c %d", e.Left, rune(e.Op), e.Right)
}

var integers = regexp.MustCompile(`\d+`)

// ParseExpression reads "12 + 7" style text produced by OCR. trimTrailing
// runes are dropped from the end first (OCR often reads the trailing "=" or
// "?" as noise). Exactly two integers are required; the operator is the text
// between them.
func ParseExpression(raw string, trimTrailing int) (Expression, error) {
	text := strings.TrimSpace(raw)
	if trimTrailing > 0 {
		r := []rune(text)
		if trimTrailing >= len(r) {
			r = nil
		} else {
			r = r[:len(r)-trimTrailing]
		}
		text = string(r)
	}

	locs := integers.FindAllStringIndex(text, -1)
	switch {
	case len(locs) < 2:
		return Expression{}, &ParseError{Raw: raw, Reason: fmt.Sprintf("found %d integers, want 2", len(locs))}
	case len(locs) > 2:
		return Expression{}, &ParseError{Raw: raw, Reason: fmt.Sprintf("found %d integers, want 2", len(locs))}
	}

	left, err := strconv.Atoi(text[locs[0][0]:locs[0][1]])
	if err != nil {
		return Expression{}, &ParseError{Raw: raw, Reason: err.Error()}
	}
	right, err := strconv.Atoi(text[locs[1][0]:locs[1][1]])
	if err != nil {
		return Expression{}, &ParseError{Raw: raw, Reason: err.Error()}
	}

	between := strings.TrimSpace(text[locs[0][1]:locs[1][0]])
	var op Op
	switch between {
	case "":
		return Expression{}, &ParseError{Raw: raw, Reason: "no operator"}
	case "+":
		op = OpAdd
	case "-", "−", "–":
		op = OpSub
	default:
		return Expression{}, fmt.Errorf("%w: %q in %q", ErrUnsupportedOperator, between, raw)
	}
	return Expression{Left: left, Op: op, Right: right}, nil
}
