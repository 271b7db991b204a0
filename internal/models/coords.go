package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var sexagesimalSeparators = strings.NewReplacer(
	":", " ",
	"h", " ", "H", " ",
	"d", " ", "D", " ",
	"°", " ",
	"m", " ", "M", " ",
	"'", " ", "′", " ",
	"s", " ", "S", " ",
	"\"", " ", "″", " ",
)

// ParseRA parses right ascension as decimal hours or sexagesimal hours
// ("05:35:17.3", "5h35m17.3s", "5 35 17.3").
func ParseRA(raw string) (float64, error) {
	sign, parts, err := splitSexagesimal(raw)
	if err != nil {
		return 0, fmt.Errorf("parse ra %q: %w", raw, err)
	}
	if sign < 0 {
		return 0, fmt.Errorf("parse ra %q: negative right ascension", raw)
	}
	hours := combine(parts)
	if hours < 0 || hours >= 24 {
		return 0, fmt.Errorf("parse ra %q: %.4f out of range [0,24)", raw, hours)
	}
	return hours, nil
}

// ParseDec parses declination as decimal degrees or sexagesimal degrees
// ("-05:23:28", "+41°16'09\"", "-5d23m28s").
func ParseDec(raw string) (float64, error) {
	sign, parts, err := splitSexagesimal(raw)
	if err != nil {
		return 0, fmt.Errorf("parse dec %q: %w", raw, err)
	}
	degrees := sign * combine(parts)
	if degrees < -90 || degrees > 90 {
		return 0, fmt.Errorf("parse dec %q: %.4f out of range [-90,90]", raw, degrees)
	}
	return degrees, nil
}

// FormatRA renders decimal hours as HH:MM:SS.s.
func FormatRA(hours float64) string {
	h, m, s := toSexagesimal(math.Abs(hours), 10)
	h %= 24
	return fmt.Sprintf("%02d:%02d:%04.1f", h, m, s)
}

// FormatDec renders decimal degrees as ±DD:MM:SS.
func FormatDec(degrees float64) string {
	sign := "+"
	if degrees < 0 {
		sign = "-"
	}
	d, m, s := toSexagesimal(math.Abs(degrees), 1)
	return fmt.Sprintf("%s%02d:%02d:%02.0f", sign, d, m, s)
}

func splitSexagesimal(raw string) (float64, []float64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil, fmt.Errorf("empty value")
	}
	sign := 1.0
	switch value[0] {
	case '-':
		sign = -1
		value = value[1:]
	case '+':
		value = value[1:]
	}
	fields := strings.Fields(sexagesimalSeparators.Replace(value))
	if len(fields) == 0 || len(fields) > 3 {
		return 0, nil, fmt.Errorf("expected 1 to 3 components, got %d", len(fields))
	}
	parts := make([]float64, 0, len(fields))
	for i, field := range fields {
		n, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("component %d: %w", i+1, err)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, nil, fmt.Errorf("component %d is not a finite number", i+1)
		}
		if n < 0 {
			return 0, nil, fmt.Errorf("component %d is negative", i+1)
		}
		if i > 0 && n >= 60 {
			return 0, nil, fmt.Errorf("component %d must be < 60", i+1)
		}
		if i < len(fields)-1 && n != math.Trunc(n) {
			return 0, nil, fmt.Errorf("only the last component may have a fraction")
		}
		parts = append(parts, n)
	}
	return sign, parts, nil
}

func combine(parts []float64) float64 {
	total := 0.0
	scale := 1.0
	for _, p := range parts {
		total += p / scale
		scale *= 60
	}
	return total
}

// toSexagesimal splits v into whole units, minutes and seconds rounded to
// 1/precision of a second, carrying rounding overflow upwards.
func toSexagesimal(v float64, precision float64) (int, int, float64) {
	totalSeconds := math.Round(v*3600*precision) / precision
	whole := int(totalSeconds / 3600)
	rest := totalSeconds - float64(whole)*3600
	minutes := int(rest / 60)
	seconds := rest - float64(minutes)*60
	if seconds < 0 {
		seconds = 0
	}
	return whole, minutes, seconds
}
