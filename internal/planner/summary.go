package planner

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/mod/modfile"
)

// IgnoreGlobs excludes generated and vendored paths from the codebase listing.
var IgnoreGlobs = []string{
	"**/node_modules/**", "**/vendor/**", "**/dist/**", "**/build/**",
	"**/.git/**", "**/.next/**", "**/coverage/**", "**/.forge/**",
	"**/__pycache__/**", "**/target/**",
}

const (
	listingDepth = 2
	listingLimit = 200
)

// Summary is a shallow snapshot of a codebase used as planning context.
type Summary struct {
	Root         string            `json:"root"`
	Language     string            `json:"language"`
	Name         string            `json:"name"`
	GoVersion    string            `json:"go_version,omitempty"`
	Scripts      map[string]string `json:"scripts,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Frameworks   []string          `json:"frameworks,omitempty"`
	TestTools    []string          `json:"test_tools,omitempty"`
	Files        []string          `json:"files,omitempty"`
	Fallback     bool              `json:"fallback"`
}

// frameworkMarkers maps dependency substrings to framework names.
var frameworkMarkers = []struct{ dep, name string }{
	{"next", "Next.js"}, {"react", "React"}, {"vue", "Vue"}, {"svelte", "Svelte"},
	{"@angular/core", "Angular"}, {"express", "Express"}, {"fastify", "Fastify"},
	{"@nestjs/core", "NestJS"}, {"tailwindcss", "Tailwind CSS"}, {"prisma", "Prisma"},
	{"github.com/gin-gonic/gin", "Gin"}, {"github.com/labstack/echo", "Echo"},
	{"github.com/go-chi/chi", "chi"}, {"github.com/gofiber/fiber", "Fiber"},
	{"github.com/spf13/cobra", "Cobra"}, {"google.golang.org/grpc", "gRPC"},
}

var testMarkers = []struct{ dep, name string }{
	{"jest", "Jest"}, {"vitest", "Vitest"}, {"mocha", "Mocha"}, {"@playwright/test", "Playwright"},
	{"cypress", "Cypress"}, {"@testing-library", "Testing Library"},
	{"github.com/stretchr/testify", "testify"}, {"github.com/onsi/ginkgo", "Ginkgo"},
	{"pgregory.net/rapid", "rapid"},
}

type packageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Summarize reads manifests and a shallow listing of dir. It never fails;
// when no manifest is readable it returns a minimal fallback summary.
func Summarize(dir string) Summary {
	s := Summary{Root: dir, Name: filepath.Base(dir)}
	deps := map[string]bool{}

	foundManifest := false
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg packageJSON
		if err := json.Unmarshal(data, &pkg); err == nil {
			foundManifest = true
			s.Language = "javascript"
			if pkg.Name != "" {
				s.Name = pkg.Name
			}
			s.Scripts = pkg.Scripts
			for d := range pkg.Dependencies {
				deps[d] = true
			}
			for d := range pkg.DevDependencies {
				deps[d] = true
			}
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, "go.mod")); err == nil {
		if mf, err := modfile.ParseLax("go.mod", data, nil); err == nil && mf.Module != nil {
			foundManifest = true
			if s.Language == "" {
				s.Language = "go"
				s.Name = mf.Module.Mod.Path
			}
			if mf.Go != nil {
				s.GoVersion = mf.Go.Version
			}
			for _, r := range mf.Require {
				deps[r.Mod.Path] = true
			}
		}
	}
	if !foundManifest {
		s.Language = detectLanguage(dir)
	}

	for d := range deps {
		s.Dependencies = append(s.Dependencies, d)
	}
	sort.Strings(s.Dependencies)
	s.Frameworks = match(s.Dependencies, frameworkMarkers)
	s.TestTools = match(s.Dependencies, testMarkers)
	s.Files = listFiles(dir)
	s.Fallback = !foundManifest
	return s
}

func match(deps []string, markers []struct{ dep, name string }) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range markers {
		for _, d := range deps {
			if strings.HasPrefix(d, m.dep) && !seen[m.name] {
				seen[m.name] = true
				out = append(out, m.name)
			}
		}
	}
	return out
}

func detectLanguage(dir string) string {
	markers := []struct{ file, lang string }{
		{"Cargo.toml", "rust"}, {"pyproject.toml", "python"}, {"requirements.txt", "python"},
		{"Gemfile", "ruby"}, {"pom.xml", "java"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.lang
		}
	}
	return "unknown"
}

// Ignored reports whether the slash-separated relative path matches IgnoreGlobs.
func Ignored(rel string) bool {
	for _, g := range IgnoreGlobs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, rel+"/"); ok {
			return true
		}
	}
	return false
}

func listFiles(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= listingLimit {
			return filepath.SkipAll
		}
		if !d.IsDir() {
			files = append(files, rel)
			return nil
		}
		files = append(files, rel+"/")
		if strings.Count(rel, "/")+1 >= listingDepth {
			return filepath.SkipDir
		}
		return nil
	})
	return files
}

// String renders the summary as prompt context.
func (s Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\nLanguage: %s\n", s.Name, s.Language)
	if s.GoVersion != "" {
		fmt.Fprintf(&sb, "Go version: %s\n", s.GoVersion)
	}
	if len(s.Frameworks) > 0 {
		fmt.Fprintf(&sb, "Frameworks: %s\n", strings.Join(s.Frameworks, ", "))
	}
	if len(s.TestTools) > 0 {
		fmt.Fprintf(&sb, "Test tools: %s\n", strings.Join(s.TestTools, ", "))
	}
	if len(s.Scripts) > 0 {
		names := make([]string, 0, len(s.Scripts))
		for n := range s.Scripts {
			names = append(names, n)
		}
		sort.Strings(names)
		sb.WriteString("Scripts:\n")
		for _, n := range names {
			fmt.Fprintf(&sb, "  %s: %s\n", n, s.Scripts[n])
		}
	}
	if len(s.Dependencies) > 0 {
		fmt.Fprintf(&sb, "Dependencies: %s\n", strings.Join(s.Dependencies, ", "))
	}
	if len(s.Files) > 0 {
		sb.WriteString("Files:\n")
		for _, f := range s.Files {
			fmt.Fprintf(&sb, "  %s\n", f)
		}
	}
	if s.Fallback {
		sb.WriteString("(No build manifest found; structure inferred from the file listing.)\n")
	}
	return sb.String()
}
