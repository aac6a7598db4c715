package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionSymbol is a parsed OCC/OSI option symbol.
type OptionSymbol struct {
	Expiry time.Time
	Root   string
	Type   OptionType
	Strike float64
}

// String formats the symbol as ROOT + YYMMDD + C/P + strike*1000 (8 digits).
func (o OptionSymbol) String() string {
	return FormatOptionSymbol(o.Root, o.Expiry, o.Type, o.Strike)
}

// FormatOptionSymbol builds an OCC symbol, e.g. SPXW251017P05800000.
func FormatOptionSymbol(root string, expiry time.Time, typ OptionType, strike float64) string {
	t := "C"
	if typ == OptionTypePut {
		t = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(root), expiry.Format("060102"), t, int64(math.Round(strike*1000)))
}

// ParseOptionSymbol parses an OCC symbol. Whitespace padding in the root is tolerated.
func ParseOptionSymbol(s string) (OptionSymbol, error) {
	trimmed := strings.TrimSpace(s)
	root := extractUnderlyingFromOSI(trimmed)
	if root == "" {
		return OptionSymbol{}, fmt.Errorf("invalid option symbol %q", s)
	}
	rest := trimmed[len(trimmed)-15:]
	expiry, err := time.Parse("060102", rest[:6])
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("invalid expiration in option symbol %q: %w", s, err)
	}
	strike, err := strconv.ParseInt(rest[7:], 10, 64)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("invalid strike in option symbol %q: %w", s, err)
	}
	return OptionSymbol{
		Root:   root,
		Expiry: expiry,
		Type:   optionTypeFromSymbol(trimmed),
		Strike: float64(strike) / 1000,
	}, nil
}

// weeklyRoots maps weekly/PM-settled option roots to the underlying the broker
// expects in the order's symbol field.
var weeklyRoots = map[string]string{
	"SPXW": "SPX",
	"NDXP": "NDX",
	"RUTW": "RUT",
	"XSPW": "XSP",
}

// UnderlyingForRoot maps an option root to its underlying symbol.
func UnderlyingForRoot(root string) string {
	root = strings.ToUpper(strings.TrimSpace(root))
	if u, ok := weeklyRoots[root]; ok {
		return u
	}
	return root
}

// extractUnderlyingFromOSI extracts the root from an OSI-formatted option symbol
// e.g., "SPXW251017P05800000" -> "SPXW"
func extractUnderlyingFromOSI(s string) string {
	// root + YYMMDD + P/C + 8-digit strike, nothing after
	if len(s) < 16 {
		return ""
	}
	i := len(s) - 15
	if !isDigits(s[i:i+6], 6) || !isDigits(s[i+7:], 8) {
		return ""
	}
	switch s[i+6] {
	case 'P', 'C', 'p', 'c':
	default:
		return ""
	}
	if c := s[i-1]; c >= '0' && c <= '9' {
		return ""
	}
	return strings.TrimSpace(s[:i])
}

// optionTypeFromSymbol returns put | call | "" from OSI-like symbols
func optionTypeFromSymbol(s string) OptionType {
	if len(s) < 9 || !isDigits(s[len(s)-8:], 8) {
		return ""
	}
	switch s[len(s)-9] {
	case 'P', 'p':
		return OptionTypePut
	case 'C', 'c':
		return OptionTypeCall
	default:
		return ""
	}
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
