package router

import "testing"

func TestRewritePath(t *testing.T) {
	tests := []struct {
		name        string
		stripPath   bool
		rewritePath string
		declared    string
		path        string
		want        string
	}{
		{"identity", false, "", "/api/v1", "/api/v1/users", "/api/v1/users"},
		{"rewrite replaces prefix", false, "/v2", "/api/v1", "/api/v1/users/123", "/v2/users/123"},
		{"rewrite exact", false, "/v2", "/api/v1", "/api/v1", "/v2"},
		{"rewrite trailing slash target", false, "/v2/", "/api/v1", "/api/v1/users", "/v2/users"},
		{"rewrite wins over strip", true, "/internal", "/api", "/api/users", "/internal/users"},
		{"strip", true, "", "/api/v1", "/api/v1/users", "/users"},
		{"strip exact", true, "", "/api/v1", "/api/v1", "/"},
		{"strip param pattern", true, "", "/users/:id", "/users/42/posts", "/posts"},
		{"rewrite regex pattern", false, "/items", "~/v[0-9]+/items", "/v3/items/9", "/items/9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.declared)
			if err != nil {
				t.Fatal(err)
			}
			m, ok := p.Match(tt.path)
			if !ok {
				t.Fatalf("%q does not match %q", tt.path, tt.declared)
			}
			rw := NewRewrite(tt.stripPath, tt.rewritePath)
			if got := rw.Path(tt.path, m); got != tt.want {
				t.Errorf("Path(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNewRewriteIdentityIsNil(t *testing.T) {
	if rw := NewRewrite(false, ""); rw != nil {
		t.Errorf("expected nil rewrite, got %+v", rw)
	}
	var rw *Rewrite
	if got := rw.Query("a=1", Match{}); got != "a=1" {
		t.Errorf("nil rewrite changed query to %q", got)
	}
	if rw.Target() != "" {
		t.Error("nil rewrite should have no target")
	}
}

func TestResourceIDRewrite(t *testing.T) {
	const id = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	p := compileResourceID("/resource")
	m, ok := p.Match("/resource/" + id)
	if !ok {
		t.Fatal("expected match")
	}
	rw := newResourceIDRewrite("/resource")

	if got := rw.Path("/resource/"+id, m); got != "/resource" {
		t.Errorf("Path = %q, want /resource", got)
	}

	tests := []struct {
		query string
		want  string
	}{
		{"", "id=" + id},
		{"expand=true", "expand=true&id=" + id},
		{"id=client", "id=client"},
		{"tag=a&tag=b", "tag=a&tag=b&id=" + id},
	}
	for _, tt := range tests {
		if got := rw.Query(tt.query, m); got != tt.want {
			t.Errorf("Query(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestSingleJoinSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"/v2", "/users", "/v2/users"},
		{"/v2/", "/users", "/v2/users"},
		{"/v2", "users", "/v2/users"},
		{"/v2/", "users", "/v2/users"},
		{"/", "/", "/"},
	}
	for _, tt := range tests {
		if got := singleJoinSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoinSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
