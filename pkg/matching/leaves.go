package matching

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/getmockd/mockproxy/pkg/httpmsg"
)

// Method matches the request's HTTP method case-insensitively.
type Method struct{ Value string }

func (m Method) Match(r *httpmsg.Request) bool {
	return strings.EqualFold(r.Method, m.Value)
}

// ExactPath matches the request against a path string per the policy in
// §4.1: leading "/" is path-relative, a bare "host:port/path" form is
// host-relative, and a "scheme://" prefix is an absolute URL comparison.
// All comparisons strip the query string from both sides.
type ExactPath struct{ Value string }

func (m ExactPath) Match(r *httpmsg.Request) bool {
	return matchPathString(m.Value, r)
}

func matchPathString(pattern string, r *httpmsg.Request) bool {
	pattern = stripQuery(pattern)
	switch classifyPathString(pattern) {
	case kindAbsolute:
		return pattern == r.AbsoluteURL()
	case kindHostRelative:
		return pattern == r.HostRelative()
	default:
		return pattern == r.Path
	}
}

type pathStringKind int

const (
	kindPathRelative pathStringKind = iota
	kindHostRelative
	kindAbsolute
)

func classifyPathString(s string) pathStringKind {
	if strings.HasPrefix(s, "/") {
		return kindPathRelative
	}
	if strings.Contains(s, "://") {
		return kindAbsolute
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		if colon := strings.IndexByte(s[:slash], ':'); colon >= 0 {
			return kindHostRelative
		}
	} else if strings.Contains(s, ":") {
		return kindHostRelative
	}
	return kindPathRelative
}

func stripQuery(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}

// RegexURL attempts the pattern against the absolute URL first, then the
// path, matching if either succeeds (§4.1).
type RegexURL struct {
	re *regexp.Regexp
}

// NewRegexURL compiles pattern. Returns an error if pattern is invalid regex.
func NewRegexURL(pattern string) (*RegexURL, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexURL{re: re}, nil
}

func (m *RegexURL) Match(r *httpmsg.Request) bool {
	return m.re.MatchString(r.AbsoluteURL()) || m.re.MatchString(r.Path)
}

// RegexPath matches only against the request path (query stripped).
type RegexPath struct {
	re *regexp.Regexp
}

// NewRegexPath compiles pattern.
func NewRegexPath(pattern string) (*RegexPath, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexPath{re: re}, nil
}

func (m *RegexPath) Match(r *httpmsg.Request) bool {
	return m.re.MatchString(r.Path)
}

// Captures returns the named capture groups for path, or nil if no match.
func (m *RegexPath) Captures(path string) map[string]string {
	match := m.re.FindStringSubmatch(path)
	if match == nil {
		return nil
	}
	out := make(map[string]string)
	for i, name := range m.re.SubexpNames() {
		if i > 0 && name != "" && i < len(match) {
			out[name] = match[i]
		}
	}
	return out
}

// Query requires every key/value pair to be present among the request's
// query parameters (a value may repeat; any one occurrence matching is
// sufficient).
type Query struct{ Values map[string]string }

func (m Query) Match(r *httpmsg.Request) bool {
	q := r.Query()
	for k, v := range m.Values {
		found := false
		for _, got := range q[k] {
			if got == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExactQuery matches the raw, unparsed query string exactly.
type ExactQuery struct{ Value string }

func (m ExactQuery) Match(r *httpmsg.Request) bool {
	return r.RawQuery == m.Value
}

// Header matches a header by key and either an exact value or a regex.
type Header struct {
	Key   string
	Value string
	Regex *regexp.Regexp // nil means exact Value comparison
}

func (m Header) Match(r *httpmsg.Request) bool {
	got := r.Header(m.Key)
	if m.Regex != nil {
		return m.Regex.MatchString(got)
	}
	return got == m.Value
}

// Cookie matches a cookie by name and value.
type Cookie struct {
	Name  string
	Value string
}

func (m Cookie) Match(r *httpmsg.Request) bool {
	for _, c := range r.Cookies {
		if c.Name == m.Name && c.Value == m.Value {
			return true
		}
	}
	return false
}

// Hostname matches the request's Host exactly.
type Hostname struct{ Value string }

func (m Hostname) Match(r *httpmsg.Request) bool { return r.Host == m.Value }

// Port matches the request's destination port.
type Port struct{ Value int }

func (m Port) Match(r *httpmsg.Request) bool { return r.Port == m.Value }

// ProtocolScheme matches the request's scheme ("http" or "https").
type ProtocolScheme struct{ Value string }

func (m ProtocolScheme) Match(r *httpmsg.Request) bool {
	return strings.EqualFold(r.Scheme, m.Value)
}

// BodyKind selects the body-matcher comparison strategy.
type BodyKind int

const (
	BodyContains BodyKind = iota
	BodyJSONMatches
	BodyFormMatches
)

// Body matches the request body per Kind. A body that was dropped for
// exceeding maxBodySize is treated as empty, per §4.1 — EffectiveBody
// already encodes that rule.
type Body struct {
	Kind BodyKind
	// Contains: substring to look for.
	Contains string
	// JSONPath: path expression evaluated against the parsed JSON body;
	// Expected compared against the (possibly multiple) matched values.
	JSONPath string
	Expected any
	// Form field/value pair required among the body's
	// application/x-www-form-urlencoded values; multipart bodies are not
	// parsed.
	FormKey   string
	FormValue string
}

func (m Body) Match(r *httpmsg.Request) bool {
	body := r.EffectiveBody()
	switch m.Kind {
	case BodyContains:
		return strings.Contains(string(body), m.Contains)
	case BodyJSONMatches:
		return matchJSONPath(body, m.JSONPath, m.Expected)
	case BodyFormMatches:
		return matchForm(body, m.FormKey, m.FormValue)
	default:
		return false
	}
}

func matchForm(body []byte, key, value string) bool {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	for _, v := range values[key] {
		if v == value {
			return true
		}
	}
	return false
}
