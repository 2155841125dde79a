package route

import (
	"net/http"
	"testing"

	"edge-gateway/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Backends: config.BackendsConfig{
			Identity: "http://identity:3001",
			Posts:    "http://posts:3002",
			Media:    "http://media:3003",
			Search:   "http://search:3004",
		},
		Routes: config.DefaultRoutes(),
	}
}

func TestTable_Match(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	tests := []struct {
		path       string
		wantPrefix string
		wantFound  bool
	}{
		{"/v1/auth/login", "/v1/auth", true},
		{"/v1/auth", "/v1/auth", true},
		{"/v1/posts/all-posts", "/v1/posts", true},
		{"/v1/media/upload", "/v1/media/upload", true},
		{"/v1/media/upload/", "/v1/media/upload", true},
		{"/v1/media/get", "/v1/media", true},
		{"/v1/media/uploads", "/v1/media", true},
		{"/v1/search/posts", "/v1/search", true},
		{"/v1/postsx", "", false},
		{"/v2/posts", "", false},
		{"/", "", false},
		{"/api/posts/all-posts", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rule, ok := table.Match(tt.path)
			if ok != tt.wantFound {
				t.Fatalf("found = %v, want %v", ok, tt.wantFound)
			}
			if ok && rule.Prefix != tt.wantPrefix {
				t.Errorf("prefix = %q, want %q", rule.Prefix, tt.wantPrefix)
			}
		})
	}
}

func TestTable_DefaultRules(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	auth, _ := table.Match("/v1/auth/register")
	if auth.RequiresAuth {
		t.Error("identity route must not require auth")
	}
	if auth.BackendURL.Host != "identity:3001" {
		t.Errorf("identity backend = %q", auth.BackendURL.Host)
	}

	for _, p := range []string{"/v1/posts/x", "/v1/media/x", "/v1/media/upload", "/v1/search/x"} {
		r, _ := table.Match(p)
		if !r.RequiresAuth {
			t.Errorf("%s should require auth", p)
		}
	}

	upload, _ := table.Match("/v1/media/upload")
	if upload.BodyMode != BodyStreaming {
		t.Errorf("upload body mode = %v, want streaming", upload.BodyMode)
	}
	media, _ := table.Match("/v1/media/get")
	if media.BodyMode != BodyBuffered {
		t.Errorf("media body mode = %v, want buffered", media.BodyMode)
	}

	if got := table.Prefixes()[0]; got != "/v1/media/upload" {
		t.Errorf("longest prefix should be matched first; got %q", got)
	}
}

func TestRule_Rewrite(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/v1/posts/all-posts", "/api/posts/all-posts"},
		{"/v1/posts", "/api/posts"},
		{"/v1/auth/login", "/api/auth/login"},
		{"/v1/media/upload", "/api/media/upload"},
		{"/v1/search/posts", "/api/search/posts"},
		{"/v1/posts/v1/posts/x", "/api/posts/v1/posts/x"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rule, ok := table.Match(tt.path)
			if !ok {
				t.Fatalf("no rule for %s", tt.path)
			}
			got := rule.Rewrite(tt.path)
			if got != tt.want {
				t.Errorf("Rewrite(%q) = %q, want %q", tt.path, got, tt.want)
			}
			if again := rule.Rewrite(got); again != got {
				t.Errorf("Rewrite is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestNewTable_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.Routes[0].Backend = "billing" }},
		{"missing backend url", func(c *config.Config) { c.Backends.Search = "" }},
		{"bad body mode", func(c *config.Config) { c.Routes[0].BodyMode = "chunky" }},
		{"bad injector source", func(c *config.Config) { c.Routes[0].Inject = []config.InjectConfig{{Header: "X-A", Source: "cookie"}} }},
		{"static without value", func(c *config.Config) { c.Routes[0].Inject = []config.InjectConfig{{Header: "X-A", Source: "static"}} }},
		{"relative prefix", func(c *config.Config) { c.Routes[0].Prefix = "v1/auth" }},
		{"duplicate prefix", func(c *config.Config) { c.Routes[1].Prefix = c.Routes[0].Prefix }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			if _, err := NewTable(cfg); err == nil {
				t.Error("NewTable() expected error, got nil")
			}
		})
	}
}

func TestNewTable_InjectorOrderAndCanonicalNames(t *testing.T) {
	table, err := NewTable(testConfig())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	posts, _ := table.Match("/v1/posts")

	want := []HeaderInjector{
		{Name: "Content-Type", Source: SourceJSONContentType},
		{Name: http.CanonicalHeaderKey("x-user-id"), Source: SourceUserID},
		{Name: "X-Request-Id", Source: SourceRequestID},
	}
	if len(posts.Injectors) != len(want) {
		t.Fatalf("injectors = %v, want %v", posts.Injectors, want)
	}
	for i := range want {
		if posts.Injectors[i] != want[i] {
			t.Errorf("injector[%d] = %+v, want %+v", i, posts.Injectors[i], want[i])
		}
	}
}
