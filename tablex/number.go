package tablex

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// A currency token is letters or currency symbols with an optional
// abbreviation dot: "Rp", "Rs.", "Ksh.", "€".
var (
	currencyPrefix = regexp.MustCompile(`^(?:[\p{L}\p{Sc}]+\.?\s*)+`)
	currencySuffix = regexp.MustCompile(`(?:\s*[\p{L}\p{Sc}]+\.?)+$`)
)

// stripCurrency removes currency tokens at either end of s. prefixed reports
// whether a leading token was removed.
func stripCurrency(s string) (rest string, prefixed bool) {
	if loc := currencyPrefix.FindStringIndex(s); loc != nil {
		s = s[loc[1]:]
		prefixed = true
	}
	s = currencySuffix.ReplaceAllString(s, "")
	return strings.TrimSpace(s), prefixed
}

// ParseNumber parses a display-formatted amount such as "Rp 1.234.567,50",
// "(1,200.00)" or "1 234 €". decimalSep is the decimal separator ('.' or
// ','); the other one is treated as a thousands separator. Currency tokens
// at either end are stripped, including an abbreviation dot ("Rs. 500").
// Parentheses, a leading minus or a trailing minus mark a negative amount.
// ok is false when no number can be read.
func ParseNumber(raw string, decimalSep rune) (v float64, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	if decimalSep != ',' {
		decimalSep = '.'
	}
	thousandsSep := ','
	if decimalSep == ',' {
		thousandsSep = '.'
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s, prefixed := stripCurrency(s)
	for _, m := range []string{"-", "−", "–"} {
		if strings.HasPrefix(s, m) {
			neg = !neg
			s = strings.TrimPrefix(s, m)
			break
		}
		if strings.HasSuffix(s, m) {
			neg = !neg
			s = strings.TrimSuffix(s, m)
			break
		}
	}
	// A symbol may sit between the sign and the digits: "-$1,200".
	s, p := stripCurrency(s)
	prefixed = prefixed || p

	var b strings.Builder
	digits, decimals := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		case r == decimalSep:
			// "Rs .500" is a misplaced abbreviation dot, not half a rupee.
			if digits == 0 && prefixed {
				return 0, false
			}
			decimals++
			b.WriteByte('.')
		case r == thousandsSep, r == '\'', unicode.IsSpace(r):
		default:
			return 0, false
		}
	}
	if digits == 0 || decimals > 1 {
		return 0, false
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}
