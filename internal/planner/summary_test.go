package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestSummarize_PackageJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{
  "name": "shop-web",
  "scripts": {"test": "vitest run", "dev": "next dev"},
  "dependencies": {"next": "14.0.0", "react": "18.0.0"},
  "devDependencies": {"vitest": "1.0.0", "@testing-library/react": "14.0.0"}
}`)
	writeFile(t, dir, "src/app/page.tsx", "export default function Page() {}")
	writeFile(t, dir, "node_modules/react/index.js", "")
	writeFile(t, dir, ".next/cache/x", "")

	s := Summarize(dir)
	assert.False(t, s.Fallback)
	assert.Equal(t, "javascript", s.Language)
	assert.Equal(t, "shop-web", s.Name)
	assert.Equal(t, "vitest run", s.Scripts["test"])
	assert.ElementsMatch(t, []string{"Next.js", "React"}, s.Frameworks)
	assert.ElementsMatch(t, []string{"Vitest", "Testing Library"}, s.TestTools)
	assert.Contains(t, s.Files, "package.json")
	assert.Contains(t, s.Files, "src/")
	assert.Contains(t, s.Files, "src/app/")
	assert.NotContains(t, s.Files, "src/app/page.tsx", "listing is shallow")
	for _, f := range s.Files {
		assert.NotContains(t, f, "node_modules")
		assert.NotContains(t, f, ".next")
	}
}

func TestSummarize_GoMod(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", `module github.com/acme/svc

go 1.22

require (
	github.com/go-chi/chi/v5 v5.0.0
	github.com/stretchr/testify v1.9.0
)
`)
	writeFile(t, dir, "vendor/github.com/x/y.go", "package y")

	s := Summarize(dir)
	assert.False(t, s.Fallback)
	assert.Equal(t, "go", s.Language)
	assert.Equal(t, "github.com/acme/svc", s.Name)
	assert.Equal(t, "1.22", s.GoVersion)
	assert.Equal(t, []string{"chi"}, s.Frameworks)
	assert.Equal(t, []string{"testify"}, s.TestTools)
	assert.NotContains(t, s.Files, "vendor/")

	text := s.String()
	assert.Contains(t, text, "Go version: 1.22")
	assert.Contains(t, text, "Test tools: testify")
}

func TestSummarize_FallbackOnUnreadableManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", "{not json")
	writeFile(t, dir, "Cargo.toml", "[package]")

	s := Summarize(dir)
	assert.True(t, s.Fallback)
	assert.Equal(t, "rust", s.Language)
	assert.Contains(t, s.String(), "No build manifest found")
}

func TestSummarize_MissingDir(t *testing.T) {
	s := Summarize(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, s.Fallback)
	assert.Equal(t, "unknown", s.Language)
	assert.Empty(t, s.Files)
}

func TestIgnored(t *testing.T) {
	assert.True(t, Ignored("node_modules"))
	assert.True(t, Ignored("web/node_modules/react"))
	assert.True(t, Ignored(".forge/todos"))
	assert.False(t, Ignored("src/build.go"))
	assert.False(t, Ignored("cmd"))
}
