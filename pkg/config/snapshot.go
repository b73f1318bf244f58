// Package config round-trips a rule store's registrations through YAML, for
// test suites that want to commit a rule-set fixture to disk. This
// supplements spec.md, which is silent on persistence of the rule
// configuration itself (as opposed to recorded traffic, which stays
// in-memory-only). Grounded on the teacher's pkg/mock/types.go dual
// UnmarshalYAML/UnmarshalJSON handling, adapted from a single Mock type to
// the matcher/handler union this engine uses.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/getmockd/mockproxy/pkg/exec"
	"github.com/getmockd/mockproxy/pkg/matching"
	"github.com/getmockd/mockproxy/pkg/ruleset"
)

// RuleSnapshot is the on-disk representation of a rule store's contents.
type RuleSnapshot struct {
	Request   []RuleDTO  `yaml:"request,omitempty"`
	WebSocket []RuleDTO  `yaml:"websocket,omitempty"`
	Fallback  *RuleDTO   `yaml:"fallback,omitempty"`
}

// RuleDTO is one rule's serializable form: a flat list of matcher leaves
// (combined with All semantics on import, mirroring ruleset.BuildRule) and a
// single handler description. RecordTraffic is read by ImportRules;
// ExportRules always leaves it false, because a Rule's recordTraffic
// setting is not readable outside pkg/ruleset.
type RuleDTO struct {
	Matchers        []MatcherDTO `yaml:"matchers,omitempty"`
	CompletionLimit int          `yaml:"completionLimit,omitempty"`
	RecordTraffic   bool         `yaml:"recordTraffic,omitempty"`
	Handler         HandlerDTO   `yaml:"handler"`
}

// MatcherDTO tags one matcher leaf by kind; only the fields relevant to Kind
// are populated.
type MatcherDTO struct {
	Kind     string            `yaml:"kind"`
	Value    string            `yaml:"value,omitempty"`
	Key      string            `yaml:"key,omitempty"`
	Regex    string            `yaml:"regex,omitempty"`
	Port     int               `yaml:"port,omitempty"`
	Values   map[string]string `yaml:"values,omitempty"`
	JSONPath string            `yaml:"jsonPath,omitempty"`
	Expected any               `yaml:"expected,omitempty"`
}

// HandlerDTO tags a handler by kind; only the fields relevant to Kind are
// populated. Callback/Stream handlers cannot round-trip through YAML (they
// carry Go closures/readers) and are rejected by ExportRules.
type HandlerDTO struct {
	Kind    string            `yaml:"kind"`
	Status  int               `yaml:"status,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Path    string            `yaml:"path,omitempty"`
}

// ExportRules builds a RuleSnapshot from store's current registrations.
// Returns an error if any rule uses a handler kind that cannot be
// serialized (callback, streamReply, passthrough).
func ExportRules(store *ruleset.Store) (RuleSnapshot, error) {
	snap := store.Snapshot()
	out := RuleSnapshot{}

	for _, r := range snap.HTTP {
		dto, err := ruleToDTO(r)
		if err != nil {
			return RuleSnapshot{}, err
		}
		out.Request = append(out.Request, dto)
	}
	for _, r := range snap.WS {
		dto, err := ruleToDTO(r)
		if err != nil {
			return RuleSnapshot{}, err
		}
		out.WebSocket = append(out.WebSocket, dto)
	}
	if snap.Fallback != nil {
		dto, err := ruleToDTO(snap.Fallback)
		if err != nil {
			return RuleSnapshot{}, err
		}
		out.Fallback = &dto
	}
	return out, nil
}

// Marshal renders snap as YAML.
func Marshal(snap RuleSnapshot) ([]byte, error) {
	return yaml.Marshal(snap)
}

// Unmarshal parses YAML into a RuleSnapshot.
func Unmarshal(data []byte) (RuleSnapshot, error) {
	var snap RuleSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return RuleSnapshot{}, fmt.Errorf("config: parse rule snapshot: %w", err)
	}
	return snap, nil
}

// ImportRules replaces store's HTTP and WebSocket sequences with the rules
// described by snap, via SetRequestRules/SetWebSocketRules, then installs
// snap's fallback (if any) with SetFallback, which fails when the store
// already has a fallback. A store's existing fallback is left in place.
func ImportRules(store *ruleset.Store, snap RuleSnapshot) error {
	httpRules, err := dtosToRules(ruleset.ProtocolHTTP, snap.Request)
	if err != nil {
		return err
	}
	wsRules, err := dtosToRules(ruleset.ProtocolWebSocket, snap.WebSocket)
	if err != nil {
		return err
	}

	store.SetRequestRules(httpRules)
	store.SetWebSocketRules(wsRules)

	if snap.Fallback != nil {
		rule, err := dtoToRule(ruleset.ProtocolHTTP, *snap.Fallback)
		if err != nil {
			return err
		}
		return store.SetFallback(rule)
	}
	return nil
}

func dtosToRules(protocol ruleset.Protocol, dtos []RuleDTO) ([]*ruleset.Rule, error) {
	rules := make([]*ruleset.Rule, 0, len(dtos))
	for _, dto := range dtos {
		r, err := dtoToRule(protocol, dto)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func ruleToDTO(r *ruleset.Rule) (RuleDTO, error) {
	handlerDTO, err := handlerToDTO(r.Handler)
	if err != nil {
		return RuleDTO{}, err
	}
	return RuleDTO{
		Matchers:        matcherToDTOs(r.Matcher),
		CompletionLimit: r.CompletionLimit,
		Handler:         handlerDTO,
	}, nil
}

func dtoToRule(protocol ruleset.Protocol, dto RuleDTO) (*ruleset.Rule, error) {
	matchers, err := dtosToMatchers(dto.Matchers)
	if err != nil {
		return nil, err
	}
	handler, err := dtoToHandler(dto.Handler)
	if err != nil {
		return nil, err
	}
	return ruleset.BuildRule(protocol, matchers, dto.CompletionLimit, handler, dto.RecordTraffic), nil
}

func matcherToDTOs(m matching.Matcher) []MatcherDTO {
	switch v := m.(type) {
	case *matching.All:
		out := make([]MatcherDTO, 0, len(v.Children))
		for _, c := range v.Children {
			out = append(out, matcherToDTOs(c)...)
		}
		return out
	default:
		if dto, ok := leafToDTO(m); ok {
			return []MatcherDTO{dto}
		}
		return nil
	}
}

func leafToDTO(m matching.Matcher) (MatcherDTO, bool) {
	switch v := m.(type) {
	case matching.Method:
		return MatcherDTO{Kind: "method", Value: v.Value}, true
	case matching.ExactPath:
		return MatcherDTO{Kind: "exactPath", Value: v.Value}, true
	case matching.ExactQuery:
		return MatcherDTO{Kind: "exactQuery", Value: v.Value}, true
	case matching.Query:
		return MatcherDTO{Kind: "query", Values: v.Values}, true
	case matching.Hostname:
		return MatcherDTO{Kind: "hostname", Value: v.Value}, true
	case matching.Port:
		return MatcherDTO{Kind: "port", Port: v.Value}, true
	case matching.ProtocolScheme:
		return MatcherDTO{Kind: "protocolScheme", Value: v.Value}, true
	case matching.Cookie:
		return MatcherDTO{Kind: "cookie", Key: v.Name, Value: v.Value}, true
	case matching.Header:
		return MatcherDTO{Kind: "header", Key: v.Key, Value: v.Value}, true
	case matching.Body:
		return MatcherDTO{Kind: "bodyContains", Value: v.Contains, JSONPath: v.JSONPath, Expected: v.Expected}, true
	default:
		if matching.IsAlways(m) {
			return MatcherDTO{Kind: "always"}, true
		}
		return MatcherDTO{}, false
	}
}

func dtosToMatchers(dtos []MatcherDTO) ([]matching.Matcher, error) {
	out := make([]matching.Matcher, 0, len(dtos))
	for _, dto := range dtos {
		m, err := dtoToMatcher(dto)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func dtoToMatcher(dto MatcherDTO) (matching.Matcher, error) {
	switch dto.Kind {
	case "method":
		return matching.Method{Value: dto.Value}, nil
	case "exactPath":
		return matching.ExactPath{Value: dto.Value}, nil
	case "exactQuery":
		return matching.ExactQuery{Value: dto.Value}, nil
	case "query":
		return matching.Query{Values: dto.Values}, nil
	case "hostname":
		return matching.Hostname{Value: dto.Value}, nil
	case "port":
		return matching.Port{Value: dto.Port}, nil
	case "protocolScheme":
		return matching.ProtocolScheme{Value: dto.Value}, nil
	case "cookie":
		return matching.Cookie{Name: dto.Key, Value: dto.Value}, nil
	case "header":
		return matching.Header{Key: dto.Key, Value: dto.Value}, nil
	case "bodyContains":
		return matching.Body{Kind: matching.BodyContains, Contains: dto.Value}, nil
	case "always", "":
		return matching.Always(), nil
	default:
		return nil, fmt.Errorf("config: unknown matcher kind %q", dto.Kind)
	}
}

func handlerToDTO(h *exec.Handler) (HandlerDTO, error) {
	switch h.Kind {
	case exec.KindReply:
		return HandlerDTO{Kind: "reply", Status: h.Status, Headers: flattenHeaders(h.Headers), Body: string(h.Body)}, nil
	case exec.KindFile:
		return HandlerDTO{Kind: "file", Status: h.Status, Headers: flattenHeaders(h.Headers), Path: h.Path}, nil
	case exec.KindClose:
		return HandlerDTO{Kind: "close-connection"}, nil
	case exec.KindReset:
		return HandlerDTO{Kind: "reset-connection"}, nil
	case exec.KindTimeout:
		return HandlerDTO{Kind: "timeout"}, nil
	default:
		return HandlerDTO{}, fmt.Errorf("config: handler kind %q cannot be serialized", h.Kind)
	}
}

func dtoToHandler(dto HandlerDTO) (*exec.Handler, error) {
	switch dto.Kind {
	case "reply":
		return &exec.Handler{Kind: exec.KindReply, Status: dto.Status, Headers: expandHeaders(dto.Headers), Body: []byte(dto.Body)}, nil
	case "file":
		return &exec.Handler{Kind: exec.KindFile, Status: dto.Status, Headers: expandHeaders(dto.Headers), Path: dto.Path}, nil
	case "close-connection":
		return &exec.Handler{Kind: exec.KindClose}, nil
	case "reset-connection":
		return &exec.Handler{Kind: exec.KindReset}, nil
	case "timeout":
		return &exec.Handler{Kind: exec.KindTimeout}, nil
	default:
		return nil, fmt.Errorf("config: unknown handler kind %q", dto.Kind)
	}
}

func flattenHeaders(h map[string][]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func expandHeaders(h map[string]string) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = []string{v}
	}
	return out
}
