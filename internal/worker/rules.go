package worker

import (
	"fmt"
	"net/http"
	"strings"
)

// Rule keeps matching requests away from the worker. A rule without cookie
// names always bypasses; otherwise it bypasses only when one of the cookies is
// present on the request.
type Rule struct {
	Match             string
	BypassWhenCookies []string

	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// ParseRule compiles a "PathPrefix(/a) | PathPrefix(/b)" expression.
func ParseRule(match string, bypassWhenCookies []string) (Rule, error) {
	ms, err := parseMatch(match)
	if err != nil {
		return Rule{}, err
	}
	cookies := make([]string, 0, len(bypassWhenCookies))
	for _, c := range bypassWhenCookies {
		c = strings.TrimSpace(c)
		if c != "" {
			cookies = append(cookies, c)
		}
	}
	return Rule{Match: match, BypassWhenCookies: cookies, matchers: ms}, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Bypasses reports whether the rule keeps req away from the worker.
func (r *Rule) Bypasses(req *http.Request) bool {
	if !r.Matches(req.URL.Path) {
		return false
	}
	if len(r.BypassWhenCookies) == 0 {
		return true
	}
	return hasAnyCookie(req, r.BypassWhenCookies)
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		need[n] = struct{}{}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}
