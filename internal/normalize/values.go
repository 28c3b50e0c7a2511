package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nth190/liheap-data-engineering/internal/config"
)

var (
	zipDigits  = regexp.MustCompile(`\d{5}`)
	allDigits  = regexp.MustCompile(`^\d+$`)
	numberJunk = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "", "\u00a0", "", "%", "")
)

// ParseNumber coerces a raw numeric cell: currency symbols, thousands
// separators, percent signs and spaces are stripped, and accounting
// parentheses mark negatives ("$1,234.50" -> 1234.5, "(12)" -> -12).
func ParseNumber(raw string) (float64, error) {
	s := numberJunk.Replace(strings.TrimSpace(raw))
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return 0, fmt.Errorf("not a number")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number")
	}
	if negative {
		f = -f
	}
	return f, nil
}

// ParseInteger coerces a raw integer cell. Spreadsheet exports that render
// integers as floats ("2023.0") are accepted.
func ParseInteger(raw string) (int, error) {
	f, err := ParseNumber(raw)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("not an integer")
	}
	return int(f), nil
}

// CleanGeo converts a raw geography cell into its code for the given format.
// Zip codes become five digits; FIPS codes are zero-padded to five digits
// for counties and two for states; LAUS series ids yield the county FIPS
// embedded at characters 5..10.
func CleanGeo(raw, format, grain string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")
	if s == "" {
		return "", fmt.Errorf("empty geography")
	}

	switch format {
	case config.GeoZip:
		if allDigits.MatchString(s) && len(s) < 5 {
			return strings.Repeat("0", 5-len(s)) + s, nil
		}
		if m := zipDigits.FindString(s); m != "" {
			return m, nil
		}
		return "", fmt.Errorf("no 5-digit zip code")

	case config.GeoFIPS:
		if !allDigits.MatchString(s) {
			return "", fmt.Errorf("FIPS code must be numeric")
		}
		width := 5
		if grain == config.GrainState {
			width = 2
		}
		if len(s) > width {
			return "", fmt.Errorf("FIPS code longer than %d digits", width)
		}
		return strings.Repeat("0", width-len(s)) + s, nil

	case config.GeoLAUSSeries:
		s = strings.ToUpper(s)
		if len(s) < 10 || !strings.HasPrefix(s, "LA") {
			return "", fmt.Errorf("not a LAUS series id")
		}
		code := s[5:10]
		if !allDigits.MatchString(code) {
			return "", fmt.Errorf("LAUS series id has no county FIPS")
		}
		return code, nil

	default:
		return "", fmt.Errorf("unknown geo format %q", format)
	}
}
