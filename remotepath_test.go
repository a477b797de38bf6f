package sitedeploy

import (
	"errors"
	"reflect"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", `""`},
		{"plain", "releases/20240101000000", `"releases/20240101000000"`},
		{"space", "my site", `"my site"`},
		{"dollar", "a$b", `"a\$b"`},
		{"backtick", "a`whoami`b", "\"a\\`whoami\\`b\""},
		{"double quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"single quote untouched", "it's", `"it's"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellQuote(tt.input); got != tt.want {
				t.Errorf("shellQuote(%q) = %s, expected %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateRelPath(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		valid bool
	}{
		{"plain file", "data.db", true},
		{"nested", "shared/uploads/avatar.png", true},
		{"dot segment", "./config.yml", true},
		{"empty", "", false},
		{"absolute", "/etc/passwd", false},
		{"parent escape", "../secrets", false},
		{"embedded parent", "a/../../b", false},
		{"newline", "a\nrm -rf /", false},
		{"carriage return", "a\rb", false},
		{"nul byte", "a\x00b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRelPath(tt.entry)
			if tt.valid && err != nil {
				t.Errorf("validateRelPath(%q) = %v, expected nil", tt.entry, err)
			}
			if !tt.valid {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("validateRelPath(%q) = %v, expected a *ValidationError", tt.entry, err)
				}
			}
		})
	}
}

func TestParentDirs(t *testing.T) {
	entries := []FileEntry{
		{RelPath: "index.html"},
		{RelPath: "assets/css/site.css"},
		{RelPath: "assets/js/app.js"},
		{RelPath: "assets/js/vendor.js"},
	}

	got := parentDirs(entries)
	want := []string{"assets", "assets/css", "assets/js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parentDirs() = %v, expected %v", got, want)
	}
}

func TestParentDirs_RootOnly(t *testing.T) {
	if got := parentDirs([]FileEntry{{RelPath: "index.html"}}); len(got) != 0 {
		t.Errorf("parentDirs() = %v, expected none", got)
	}
}

func TestJoinRemote(t *testing.T) {
	if got := joinRemote("/var/www", "releases", "20240101000000"); got != "/var/www/releases/20240101000000" {
		t.Errorf("joinRemote() = %q", got)
	}
}
