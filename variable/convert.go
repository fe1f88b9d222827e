package variable

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const DATE_LAYOUT = "2006-01-02"

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	DATE_LAYOUT,
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}

// Convert turns a raw value into the typed value of dataType: string,
// float64, int64, bool, time.Time or decoded JSON.
func Convert(dataType DataType, raw any) (any, error) {
	if raw == nil {
		return nil, invalid("value is empty")
	}
	switch dataType {
	case TYPE_STRING:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, invalid("%v is not a string", raw)
		}
		return s, nil
	case TYPE_NUMBER:
		return toNumber(raw)
	case TYPE_INTEGER:
		return toInteger(raw)
	case TYPE_BOOLEAN:
		return toBoolean(raw)
	case TYPE_DATE:
		t, err := toTime(raw, []string{DATE_LAYOUT, time.RFC3339, "2006-01-02T15:04:05"})
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case TYPE_DATETIME:
		return toTime(raw, datetimeLayouts)
	case TYPE_EMAIL:
		s, err := toText(raw)
		if err != nil {
			return nil, err
		}
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Name != "" || addr.Address != s {
			return nil, invalid("%q is not an email address", s)
		}
		return s, nil
	case TYPE_PHONE:
		s, err := toText(raw)
		if err != nil {
			return nil, err
		}
		phone := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '-', '(', ')', '.':
				return -1
			}
			return r
		}, s)
		if !phonePattern.MatchString(phone) {
			return nil, invalid("%q is not a phone number", s)
		}
		return phone, nil
	case TYPE_URL:
		s, err := toText(raw)
		if err != nil {
			return nil, err
		}
		u, err := url.ParseRequestURI(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalid("%q is not an http url", s)
		}
		return s, nil
	case TYPE_JSON:
		return toJSON(raw)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, dataType)
}

// Format is the canonical text form of a value. Convert of the result gives
// back an equal typed value.
func Format(dataType DataType, value any) (string, error) {
	typed, err := Convert(dataType, value)
	if err != nil {
		return "", err
	}
	switch dataType {
	case TYPE_NUMBER:
		return strconv.FormatFloat(typed.(float64), 'f', -1, 64), nil
	case TYPE_INTEGER:
		return strconv.FormatInt(typed.(int64), 10), nil
	case TYPE_BOOLEAN:
		return strconv.FormatBool(typed.(bool)), nil
	case TYPE_DATE:
		return typed.(time.Time).Format(DATE_LAYOUT), nil
	case TYPE_DATETIME:
		return typed.(time.Time).Format(time.RFC3339Nano), nil
	case TYPE_JSON:
		b, err := json.Marshal(typed)
		if err != nil {
			return "", invalid("value can not be encoded: %s", err)
		}
		return string(b), nil
	}
	return typed.(string), nil
}

// Encode is the form a typed value is stored in: times become their
// canonical text, everything else stays typed.
func Encode(dataType DataType, value any) (any, error) {
	typed, err := Convert(dataType, value)
	if err != nil {
		return nil, err
	}
	switch dataType {
	case TYPE_DATE, TYPE_DATETIME:
		return Format(dataType, typed)
	}
	return typed, nil
}

func toText(raw any) (string, error) {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return "", invalid("%v is not text", raw)
	}
	return strings.TrimSpace(s), nil
}

func toNumber(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case bool:
		return 0, invalid("%v is not a number", raw)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, invalid("%q is not a number", v)
		}
		f = parsed
	default:
		parsed, err := cast.ToFloat64E(raw)
		if err != nil {
			return 0, invalid("%v is not a number", raw)
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid("%v is not a finite number", raw)
	}
	return f, nil
}

// integral reports whether f is a whole number that fits in an int64.
func integral(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64+1
}

func toInteger(raw any) (int64, error) {
	switch v := raw.(type) {
	case bool:
		return 0, invalid("%v is not an integer", raw)
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := toNumber(s)
		if err != nil || !integral(f) {
			return 0, invalid("%q is not an integer", v)
		}
		return int64(f), nil
	case float32, float64:
		f, err := toNumber(v)
		if err != nil || !integral(f) {
			return 0, invalid("%v is not an integer", raw)
		}
		return int64(f), nil
	case uint, uint64:
		if cast.ToUint64(v) > math.MaxInt64 {
			return 0, invalid("%v is out of integer range", raw)
		}
	}
	i, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, invalid("%v is not an integer", raw)
	}
	return i, nil
}

func toBoolean(raw any) (bool, error) {
	if s, ok := raw.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off":
			return false, nil
		}
		return false, invalid("%q is not a boolean", s)
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return false, invalid("%v is not a boolean", raw)
	}
	return b, nil
}

func toTime(raw any, layouts []string) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, invalid("%q is not a valid time", v)
	case bool:
		return time.Time{}, invalid("%v is not a valid time", raw)
	}
	sec, err := cast.ToInt64E(raw)
	if err != nil {
		return time.Time{}, invalid("%v is not a valid time", raw)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func toJSON(raw any) (any, error) {
	if s, ok := raw.(string); ok {
		if json.Valid([]byte(s)) {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out, nil
			}
		}
		return s, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, invalid("value can not be encoded: %s", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, invalid("value can not be decoded: %s", err)
	}
	return out, nil
}
