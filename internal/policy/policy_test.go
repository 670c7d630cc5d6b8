package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath_RejectsTraversal(t *testing.T) {
	p := New("/project", Options{})

	cases := []string{
		"../outside.go",
		"a/../../outside.go",
		"/etc/passwd",
		"a\x00b.go",
	}
	for _, c := range cases {
		_, err := p.ResolvePath(c)
		assert.Error(t, err, "expected rejection for %q", c)
	}
}

func TestResolvePath_AllowsWithinRoot(t *testing.T) {
	p := New("/project", Options{})

	abs, err := p.ResolvePath("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "/project/src/main.go", abs)
}

func TestShouldIndex_DeniesHardcodedDirs(t *testing.T) {
	p := New("/project", Options{})
	d := p.ShouldIndex("node_modules", true)
	assert.False(t, d.Allowed)

	d = p.ShouldIndex("vendor/pkg/sub", true)
	assert.False(t, d.Allowed)
}

func TestShouldIndex_DeniesSensitiveFiles(t *testing.T) {
	p := New("/project", Options{})

	for _, path := range []string{".env", "config/.env.production", "keys/server.pem", "id_rsa"} {
		d := p.ShouldIndex(path, false)
		assert.False(t, d.Allowed, "expected deny for %q", path)
	}
}

func TestShouldIndex_IncludePatternsActAsAllowList(t *testing.T) {
	p := New("/project", Options{IncludePatterns: []string{"*.go"}})

	assert.True(t, p.ShouldIndex("main.go", false).Allowed)
	assert.False(t, p.ShouldIndex("README.md", false).Allowed)
}

func TestShouldIndex_ExcludePatternWins(t *testing.T) {
	p := New("/project", Options{ExcludePatterns: []string{"*_test.go"}})

	assert.True(t, p.ShouldIndex("main.go", false).Allowed)
	assert.False(t, p.ShouldIndex("main_test.go", false).Allowed)
}

func TestShouldIndexSize_EnforcesCap(t *testing.T) {
	p := New("/project", Options{MaxFileSize: 100})

	assert.True(t, p.ShouldIndexSize(50).Allowed)
	assert.False(t, p.ShouldIndexSize(500).Allowed)
}
