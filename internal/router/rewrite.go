package router

import (
	"net/url"
	"strings"
)

// Rewrite transforms the forwarded path of a matched request.
type Rewrite struct {
	replacement string
	// resourceID marks the derived variant that forwards to the base path
	// and moves the captured id into the query string.
	resourceID bool
}

// NewRewrite selects the rewrite rule for a route. rewritePath wins over
// stripPath; with neither set it returns nil and the path is forwarded as
// matched.
func NewRewrite(stripPath bool, rewritePath string) *Rewrite {
	switch {
	case rewritePath != "":
		return &Rewrite{replacement: rewritePath}
	case stripPath:
		return &Rewrite{replacement: "/"}
	default:
		return nil
	}
}

// newResourceIDRewrite forwards to base, which is either the canonical
// rewrite target or the declared path itself.
func newResourceIDRewrite(base string) *Rewrite {
	if base == "" {
		base = "/"
	}
	return &Rewrite{replacement: base, resourceID: true}
}

// Path returns the forwarded path for a request path and its match.
func (rw *Rewrite) Path(path string, m Match) string {
	if rw == nil {
		return path
	}
	if rw.resourceID {
		return rw.replacement
	}
	rest := path[m.End:]
	if rest == "" {
		return rw.replacement
	}
	return singleJoinSlash(rw.replacement, rest)
}

// Query returns the forwarded raw query. Only the resource-id variant
// changes it: id is added unless the client already sent one.
func (rw *Rewrite) Query(rawQuery string, m Match) string {
	if rw == nil || !rw.resourceID || m.ResourceID == "" {
		return rawQuery
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		values = url.Values{}
	}
	if values.Has("id") {
		return rawQuery
	}
	addition := "id=" + url.QueryEscape(m.ResourceID)
	if rawQuery == "" {
		return addition
	}
	return rawQuery + "&" + addition
}

// Target returns the rewrite target, or "" for identity.
func (rw *Rewrite) Target() string {
	if rw == nil {
		return ""
	}
	return rw.replacement
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
