package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// MaxBufferedBody is the hard cap the adapter must buffer error responses to
// before classification; bodies longer than this are truncated and only the
// truncated prefix feeds the classifier.
const MaxBufferedBody = 256 * 1024

// Rule is the compiled, ready-to-evaluate form of an ErrorParsingRule. Rules
// are compiled once at config load; a compile failure is a configuration
// error that blocks startup.
type Rule struct {
	StatusCode   int
	ErrorPath    string
	MatchPattern *regexp.Regexp
	MapTo        ErrorReason
	Priority     int
	Description  string

	order int // declaration order, used to break priority ties
}

// RuleSpec is the uncompiled, config-sourced shape of a rule.
type RuleSpec struct {
	StatusCode   int    `yaml:"status_code"`
	ErrorPath    string `yaml:"error_path"`
	MatchPattern string `yaml:"match_pattern"`
	MapTo        string `yaml:"map_to"`
	Priority     int    `yaml:"priority"`
	Description  string `yaml:"description,omitempty"`
}

// CompileRules compiles a slice of RuleSpec into Rules sorted by descending
// priority, ties broken by declaration order. A RuleSpec whose MapTo is not
// one of the twelve ErrorReason values, or whose MatchPattern does not
// compile, is a configuration error.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		mapTo := ErrorReason(spec.MapTo)
		if !mapTo.Valid() {
			return nil, fmt.Errorf("rule %d: map_to %q is not a valid error reason", i, spec.MapTo)
		}
		pattern, err := regexp.Compile(spec.MatchPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid match_pattern %q: %w", i, spec.MatchPattern, err)
		}
		rules = append(rules, Rule{
			StatusCode:   spec.StatusCode,
			ErrorPath:    spec.ErrorPath,
			MatchPattern: pattern,
			MapTo:        mapTo,
			Priority:     spec.Priority,
			Description:  spec.Description,
			order:        i,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].order < rules[j].order
	})
	return rules, nil
}

// Classifier evaluates a compiled ruleset against (status, body) pairs.
type Classifier struct {
	rules   []Rule
	enabled bool
}

// NewClassifier builds a Classifier from already-compiled rules. enabled
// mirrors the provider's error_parsing.enabled flag; when false the rule
// engine is skipped entirely and only the default HTTP-code map applies.
func NewClassifier(rules []Rule, enabled bool) *Classifier {
	return &Classifier{rules: rules, enabled: enabled}
}

// RequiresBodyBuffering reports whether any configured rule inspects the
// body (a non-empty error_path), which forces the adapter to buffer error
// responses before classification.
func (c *Classifier) RequiresBodyBuffering() bool {
	if c == nil {
		return false
	}
	for _, r := range c.rules {
		if r.ErrorPath != "" {
			return true
		}
	}
	return false
}

// MatchRule evaluates only the configured rule set against (statusCode,
// body), ignoring the default HTTP-status map entirely. Callers that need to
// know whether a rule fired — as opposed to what the overall classification
// is — use this directly: a 2xx response is SUCCESS unless a rule for that
// status code says otherwise, and FromHTTPStatus never has an opinion on 2xx
// to fall back to.
func (c *Classifier) MatchRule(statusCode int, body []byte) (ErrorReason, bool) {
	if c == nil || !c.enabled {
		return "", false
	}
	if len(body) > MaxBufferedBody {
		body = body[:MaxBufferedBody]
	}

	var parsed any
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}

	for _, rule := range c.rules {
		if rule.StatusCode != statusCode {
			continue
		}
		value, ok := lookupPath(parsed, rule.ErrorPath)
		if !ok {
			continue
		}
		if rule.MatchPattern.MatchString(stringify(value)) {
			return rule.MapTo, true
		}
	}
	return "", false
}

// Classify implements §4.2's algorithm: descending-priority rule evaluation
// over the status-matching subset, falling back to the default HTTP-code
// map. body may be nil when the upstream returned no parseable JSON.
func (c *Classifier) Classify(statusCode int, body []byte) ErrorReason {
	if reason, matched := c.MatchRule(statusCode, body); matched {
		return reason
	}
	if reason, matched := FromHTTPStatus(statusCode); matched {
		return reason
	}
	return Unknown
}

// ClassifyTransport maps a transport-level failure (no HTTP status was ever
// produced) to TIMEOUT or NETWORK_ERROR.
func ClassifyTransport(err error) ErrorReason {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return NetworkError
}

// lookupPath traverses value along a dot-separated path. A missing segment
// at any depth — including through arrays, which this implementation never
// indexes into — yields "no match", never an error.
func lookupPath(value any, path string) (any, bool) {
	if path == "" {
		return value, value != nil
	}
	segments := strings.Split(path, ".")
	cur := value
	for _, seg := range segments {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, present := obj[seg]
		if !present {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
