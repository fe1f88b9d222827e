package variable

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	RULE_REQUIRED = "required"
	RULE_MIN      = "min"
	RULE_MAX      = "max"
	RULE_BETWEEN  = "between"
	RULE_IN       = "in"
	RULE_NOT_IN   = "not_in"
	RULE_DIGITS   = "digits"
	RULE_REGEX    = "regex"
)

// Rule is one entry of a rules string such as "required|min:3|regex:^[a-z]+$".
// A regex rule consumes the rest of the string, so it may contain '|'.
type Rule struct {
	Name    string
	Args    []string
	pattern *regexp.Regexp
}

func ParseRules(rules string) ([]Rule, error) {
	rules = strings.TrimSpace(rules)
	var out []Rule
	for rules != "" {
		var part string
		if strings.HasPrefix(rules, RULE_REGEX+":") {
			part, rules = rules, ""
		} else if i := strings.IndexByte(rules, '|'); i >= 0 {
			part, rules = rules[:i], strings.TrimSpace(rules[i+1:])
		} else {
			part, rules = rules, ""
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rule, err := parseRule(part)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func parseRule(part string) (Rule, error) {
	name, arg, hasArg := strings.Cut(part, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	rule := Rule{Name: name}
	if hasArg && name != RULE_REGEX {
		for _, a := range strings.Split(arg, ",") {
			if a = strings.TrimSpace(a); a != "" {
				rule.Args = append(rule.Args, a)
			}
		}
	}
	switch name {
	case RULE_REQUIRED:
		return rule, nil
	case RULE_MIN, RULE_MAX:
		if len(rule.Args) != 1 {
			return rule, fmt.Errorf("rule %s needs one argument", name)
		}
	case RULE_BETWEEN:
		if len(rule.Args) != 2 {
			return rule, fmt.Errorf("rule between needs two arguments")
		}
	case RULE_IN, RULE_NOT_IN:
		if len(rule.Args) == 0 {
			return rule, fmt.Errorf("rule %s needs at least one argument", name)
		}
	case RULE_DIGITS:
		if len(rule.Args) != 1 {
			return rule, fmt.Errorf("rule digits needs one argument")
		}
		if n, err := strconv.Atoi(rule.Args[0]); err != nil || n <= 0 {
			return rule, fmt.Errorf("rule digits needs a positive length")
		}
	case RULE_REGEX:
		if !hasArg || arg == "" {
			return rule, fmt.Errorf("rule regex needs a pattern")
		}
		re, err := regexp.Compile(arg)
		if err != nil {
			return rule, fmt.Errorf("rule regex: %w", err)
		}
		rule.Args = []string{arg}
		rule.pattern = re
	default:
		return rule, fmt.Errorf("unknown rule %q", name)
	}
	return rule, nil
}

func hasRule(rules []Rule, name string) bool {
	for _, r := range rules {
		if r.Name == name {
			return true
		}
	}
	return false
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	}
	return false
}

// Validate reports whether value is acceptable for dataType under rules.
func Validate(dataType DataType, value any, rules string) bool {
	return Check(dataType, value, rules) == nil
}

// Check is Validate with the reason of the rejection.
func Check(dataType DataType, value any, rules string) error {
	parsed, err := ParseRules(rules)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidValue, err)
	}
	return check(dataType, value, parsed)
}

func check(dataType DataType, value any, rules []Rule) error {
	if isEmpty(value) {
		if hasRule(rules, RULE_REQUIRED) {
			return invalid("value is required")
		}
		return nil
	}
	typed, err := Convert(dataType, value)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := applyRule(dataType, typed, r); err != nil {
			return err
		}
	}
	return nil
}

func applyRule(dataType DataType, typed any, r Rule) error {
	switch r.Name {
	case RULE_REQUIRED:
		return nil
	case RULE_MIN:
		return compareBound(dataType, typed, r.Args[0], true)
	case RULE_MAX:
		return compareBound(dataType, typed, r.Args[0], false)
	case RULE_BETWEEN:
		if err := compareBound(dataType, typed, r.Args[0], true); err != nil {
			return err
		}
		return compareBound(dataType, typed, r.Args[1], false)
	case RULE_IN, RULE_NOT_IN:
		text, err := Format(dataType, typed)
		if err != nil {
			return err
		}
		found := false
		for _, a := range r.Args {
			if a == text {
				found = true
				break
			}
		}
		if r.Name == RULE_IN && !found {
			return invalid("%s is not one of %s", text, strings.Join(r.Args, ", "))
		}
		if r.Name == RULE_NOT_IN && found {
			return invalid("%s is not allowed", text)
		}
		return nil
	case RULE_DIGITS:
		text, err := Format(dataType, typed)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(r.Args[0])
		if len(text) != n || strings.Trim(text, "0123456789") != "" {
			return invalid("value must have exactly %d digits", n)
		}
		return nil
	case RULE_REGEX:
		text, err := Format(dataType, typed)
		if err != nil {
			return err
		}
		if !r.pattern.MatchString(text) {
			return invalid("value does not match %s", r.Args[0])
		}
		return nil
	}
	return invalid("unknown rule %q", r.Name)
}

// compareBound checks one side of a range. Numbers compare by value, times
// chronologically, text and JSON collections by length.
func compareBound(dataType DataType, typed any, bound string, lower bool) error {
	switch dataType {
	case TYPE_NUMBER, TYPE_INTEGER:
		b, err := strconv.ParseFloat(bound, 64)
		if err != nil {
			return invalid("bound %q is not a number", bound)
		}
		v, _ := toNumber(typed)
		return checkOrder(v, b, lower, bound)
	case TYPE_DATE, TYPE_DATETIME:
		bt, err := Convert(dataType, bound)
		if err != nil {
			return invalid("bound %q is not a valid time", bound)
		}
		v := typed.(time.Time)
		b := bt.(time.Time)
		if lower && v.Before(b) {
			return invalid("value must not be before %s", bound)
		}
		if !lower && v.After(b) {
			return invalid("value must not be after %s", bound)
		}
		return nil
	case TYPE_BOOLEAN:
		return invalid("range rules do not apply to booleans")
	}
	b, err := strconv.Atoi(bound)
	if err != nil {
		return invalid("bound %q is not a length", bound)
	}
	return checkOrder(float64(length(typed)), float64(b), lower, bound)
}

func checkOrder(v float64, b float64, lower bool, bound string) error {
	if lower && v < b {
		return invalid("value must be at least %s", bound)
	}
	if !lower && v > b {
		return invalid("value must be at most %s", bound)
	}
	return nil
}

func length(typed any) int {
	switch v := typed.(type) {
	case string:
		return utf8.RuneCountInString(v)
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	}
	return 0
}
