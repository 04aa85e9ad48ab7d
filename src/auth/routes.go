package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Verdict is the outcome of an authorization callback. Member, when set,
// is the presence metadata announced for the user.
type Verdict struct {
	Allowed bool
	Member  map[string]any
}

func Allow() Verdict { return Verdict{Allowed: true} }

func Deny() Verdict { return Verdict{} }

// AllowMember grants access and supplies presence member metadata.
func AllowMember(info map[string]any) Verdict {
	if info == nil {
		info = map[string]any{}
	}
	return Verdict{Allowed: true, Member: info}
}

// AuthorizeFunc decides whether user may join a channel. params holds the
// placeholder values extracted from the channel name.
type AuthorizeFunc func(ctx context.Context, user *Identity, params map[string]string, guard string) (Verdict, error)

// Route is a registered channel authorization rule.
type Route struct {
	Pattern   string
	Authorize AuthorizeFunc
	Guards    []string

	re     *regexp.Regexp
	params []string
}

// AllowsGuard reports whether guard may use this route. An empty
// allow-list admits every guard.
func (r *Route) AllowsGuard(guard string) bool {
	if len(r.Guards) == 0 {
		return true
	}
	for _, g := range r.Guards {
		if g == guard {
			return true
		}
	}
	return false
}

// Routes holds channel authorization rules. Register everything before
// the gateway starts; lookups are not synchronized with registration.
type Routes struct {
	routes []*Route
}

func NewRoutes() *Routes { return &Routes{} }

// Channel registers fn for channel names matching pattern, e.g.
// "orders.{orderId}". Patterns use the prefix-less channel name.
func (rs *Routes) Channel(pattern string, fn AuthorizeFunc, guards ...string) error {
	if fn == nil {
		return fmt.Errorf("channel route %q: nil authorize func", pattern)
	}
	re, params, err := compilePattern(pattern)
	if err != nil {
		return fmt.Errorf("channel route %q: %w", pattern, err)
	}
	rs.routes = append(rs.routes, &Route{
		Pattern:   pattern,
		Authorize: fn,
		Guards:    guards,
		re:        re,
		params:    params,
	})
	return nil
}

// Match finds the first route matching a normalized channel name.
func (rs *Routes) Match(name string) (*Route, map[string]string, bool) {
	for _, r := range rs.routes {
		m := r.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(r.params))
		for i, p := range r.params {
			params[p] = m[i+1]
		}
		return r, params, true
	}
	return nil, nil, false
}

func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	var (
		b      strings.Builder
		params []string
		last   int
	)
	b.WriteString("^")
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		b.WriteString(`([^.]+)`)
		params = append(params, pattern[loc[2]:loc[3]])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	return re, params, err
}
