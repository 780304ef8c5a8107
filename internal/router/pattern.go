package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/julienschmidt/httprouter"
)

type patternKind int

const (
	kindLiteral patternKind = iota
	kindParams
	kindRegex
	kindResourceID
)

func (k patternKind) String() string {
	switch k {
	case kindLiteral:
		return "literal"
	case kindParams:
		return "params"
	case kindRegex:
		return "regex"
	case kindResourceID:
		return "resource_id"
	default:
		return "unknown"
	}
}

// uuidPattern is the 8-4-4-4-12 hex form accepted as a trailing resource id.
const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

// Pattern is a compiled route path.
//
// Literal paths match on segment boundaries: "/api" matches "/api", "/api/"
// and "/api/x" but never "/apix". Parameter segments (":id", "{id}",
// ":id(\d+)") and raw regex segments keep the same boundary rule. Paths
// starting with "~" are regular expressions anchored at the start of the path.
//
// Exact patterns, used for routes bound to methods, accept only the declared
// path with an optional trailing slash.
type Pattern struct {
	raw    string
	kind   patternKind
	prefix string
	re     *regexp.Regexp
	exact  bool
}

// Match is the result of a successful pattern match.
type Match struct {
	// End is the byte offset in the request path where the matched prefix ends.
	End    int
	Params httprouter.Params
	// ResourceID is the trailing id captured by a resource-id pattern.
	ResourceID string
}

// Compile compiles a declared route path that matches by segment prefix.
func Compile(path string) (*Pattern, error) {
	return compile(path, false)
}

// CompileExact compiles a declared route path that must match the whole
// request path. Regex paths are unaffected and keep their own anchoring.
func CompileExact(path string) (*Pattern, error) {
	return compile(path, true)
}

func compile(path string, exact bool) (*Pattern, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	if strings.HasPrefix(path, "~") {
		expr := strings.TrimPrefix(path, "~")
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regex path %q: %w", path, err)
		}
		return &Pattern{raw: path, kind: kindRegex, re: re}, nil
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if !IsPlainPath(path) {
		expr, err := segmentsToRegex(path)
		if err != nil {
			return nil, err
		}
		tail := "(?:/|$)"
		if exact {
			tail = "/?$"
		}
		re, err := regexp.Compile("^(" + expr + ")" + tail)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", path, err)
		}
		return &Pattern{raw: path, kind: kindParams, re: re, exact: exact}, nil
	}

	return &Pattern{
		raw:    path,
		kind:   kindLiteral,
		prefix: strings.TrimSuffix(path, "/"),
		exact:  exact,
	}, nil
}

// compileResourceID builds the pattern matching base followed by exactly one
// UUID segment and an optional trailing slash.
func compileResourceID(base string) *Pattern {
	base = strings.TrimSuffix(base, "/")
	re := regexp.MustCompile("^" + regexp.QuoteMeta(base) + "/(" + uuidPattern + ")/?$")
	return &Pattern{raw: base + "/{uuid}", kind: kindResourceID, prefix: base, re: re}
}

// IsPlainPath reports whether a path carries no parameter, regex or group
// syntax and is therefore eligible for a resource-id variant.
func IsPlainPath(path string) bool {
	return !strings.HasPrefix(path, "~") &&
		!strings.ContainsAny(path, ":({")
}

// Match tests the request path against the pattern.
func (p *Pattern) Match(path string) (Match, bool) {
	switch p.kind {
	case kindLiteral:
		if p.exact {
			if path == p.prefix || path == p.prefix+"/" {
				return Match{End: len(p.prefix)}, true
			}
			return Match{}, false
		}
		if p.prefix == "" {
			return Match{End: 0}, true
		}
		if path == p.prefix || strings.HasPrefix(path, p.prefix+"/") {
			return Match{End: len(p.prefix)}, true
		}
		return Match{}, false

	case kindResourceID:
		sub := p.re.FindStringSubmatch(path)
		if sub == nil {
			return Match{}, false
		}
		return Match{End: len(path), ResourceID: sub[1]}, true

	case kindParams:
		loc := p.re.FindStringSubmatchIndex(path)
		if loc == nil {
			return Match{}, false
		}
		return Match{End: loc[3], Params: p.params(path, loc)}, true

	case kindRegex:
		loc := p.re.FindStringSubmatchIndex(path)
		if loc == nil || loc[0] != 0 {
			return Match{}, false
		}
		return Match{End: loc[1], Params: p.params(path, loc)}, true
	}
	return Match{}, false
}

func (p *Pattern) params(path string, loc []int) httprouter.Params {
	var params httprouter.Params
	for i, name := range p.re.SubexpNames() {
		if name == "" || 2*i+1 >= len(loc) || loc[2*i] < 0 {
			continue
		}
		params = append(params, httprouter.Param{Key: name, Value: path[loc[2*i]:loc[2*i+1]]})
	}
	return params
}

// String returns the declared path.
func (p *Pattern) String() string {
	return p.raw
}

// Kind names the pattern flavor for diagnostics.
func (p *Pattern) Kind() string {
	return p.kind.String()
}

// Exact reports whether the pattern must match the whole request path.
func (p *Pattern) Exact() bool {
	return p.exact
}

var (
	colonParam = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)(\((.*)\))?(\?)?$`)
	braceParam = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*)(:(.*))?\}$`)
)

// segmentsToRegex converts a parameterized path into a regex body.
func segmentsToRegex(path string) (string, error) {
	segments := strings.Split(strings.TrimPrefix(strings.TrimSuffix(path, "/"), "/"), "/")
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if m := colonParam.FindStringSubmatch(seg); m != nil {
			expr := "[^/]+"
			if m[3] != "" {
				expr = m[3]
			}
			if m[4] == "?" {
				fmt.Fprintf(&b, "(?:/(?P<%s>%s))?", m[1], expr)
			} else {
				fmt.Fprintf(&b, "/(?P<%s>%s)", m[1], expr)
			}
			continue
		}
		if m := braceParam.FindStringSubmatch(seg); m != nil {
			expr := "[^/]+"
			if m[3] != "" {
				expr = m[3]
			}
			fmt.Fprintf(&b, "/(?P<%s>%s)", m[1], expr)
			continue
		}
		if strings.Contains(seg, "(") {
			// Raw regex segment, used as written.
			b.WriteString("/" + seg)
			continue
		}
		b.WriteString("/" + regexp.QuoteMeta(seg))
	}
	if b.Len() == 0 {
		return "", nil
	}
	return b.String(), nil
}
