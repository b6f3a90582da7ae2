// Package envprobe detects the runtime environment consumed by prerequisite
// checks and match statistics: platform, current repository, working
// directory, configured MCP servers, and a set of descriptive tags. Every
// detector is best-effort; a failing detector contributes nothing.
package envprobe

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/hyperengineering/engrammar/internal/types"
)

// Probe detects environment facts relative to a working directory. The zero
// value probes the process working directory and the user's home.
type Probe struct {
	// CWD overrides the working directory; empty means os.Getwd.
	CWD string
	// Home overrides the user home used to locate host assistant config.
	Home string
}

// Detect builds the environment snapshot. It never returns an error: fields
// whose detection fails are left at their zero value.
func (p *Probe) Detect() types.Environment {
	cwd := p.CWD
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	env := types.Environment{
		OS:  runtime.GOOS,
		CWD: cwd,
	}

	remote := gitRemoteURL(cwd)
	env.Repo = repoFromRemote(remote)
	env.MCPServers = p.mcpServers(cwd)

	tags := make(map[string]struct{})
	remoteTags(remote, tags)
	fileMarkerTags(cwd, tags)
	directoryMarkerTags(cwd, tags)
	manifestTags(cwd, tags)

	env.Tags = sortedTags(tags)
	return env
}

// --- git detection ---

// gitRemoteURL resolves the origin remote URL: first by asking git itself,
// then by parsing .git/config directly when git is unavailable.
func gitRemoteURL(dir string) string {
	if dir != "" {
		cmd := exec.Command("git", "config", "--get", "remote.origin.url")
		cmd.Dir = dir
		if out, err := cmd.Output(); err == nil {
			if url := strings.TrimSpace(string(out)); url != "" {
				return url
			}
		}
	}
	return gitConfigRemoteURL(dir)
}

// gitConfigRemoteURL reads the origin remote URL from .git/config, walking up
// from dir. Worktree .git files (a "gitdir:" pointer) are followed one level.
func gitConfigRemoteURL(dir string) string {
	for dir != "" {
		gitPath := filepath.Join(dir, ".git")
		info, err := os.Stat(gitPath)
		if err == nil {
			configPath := filepath.Join(gitPath, "config")
			if !info.IsDir() {
				if data, err := os.ReadFile(gitPath); err == nil {
					line := strings.TrimSpace(string(data))
					if rest, ok := strings.CutPrefix(line, "gitdir:"); ok {
						gitDir := strings.TrimSpace(rest)
						if !filepath.IsAbs(gitDir) {
							gitDir = filepath.Join(dir, gitDir)
						}
						configPath = filepath.Join(gitDir, "config")
					}
				}
			}
			if url := originURL(configPath); url != "" {
				return url
			}
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// originURL extracts url from the [remote "origin"] section of a git config.
func originURL(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	inOrigin := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inOrigin = line == `[remote "origin"]`
			continue
		}
		if !inOrigin {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "url"); ok {
			rest = strings.TrimSpace(rest)
			if v, ok := strings.CutPrefix(rest, "="); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// repoFromRemote returns the last path segment of the remote URL with any
// .git suffix stripped. Empty means no repository detected.
func repoFromRemote(remote string) string {
	if remote == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(remote, "/"), ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")
	idx := strings.LastIndexAny(trimmed, "/:")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// remoteTags adds hosting-platform and organisation tags from the remote URL.
func remoteTags(remote string, tags map[string]struct{}) {
	if remote == "" {
		return
	}
	lower := strings.ToLower(remote)
	switch {
	case strings.Contains(lower, "github.com"):
		tags["github"] = struct{}{}
	case strings.Contains(lower, "gitlab"):
		tags["gitlab"] = struct{}{}
	case strings.Contains(lower, "bitbucket"):
		tags["bitbucket"] = struct{}{}
	}
	if org := remoteOrg(remote); org != "" {
		tags[strings.ToLower(org)] = struct{}{}
	}
}

// remoteOrg extracts the organisation segment: the path component before the
// repository name, for both SSH (git@host:org/repo) and HTTPS forms.
func remoteOrg(remote string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(remote, "/"), ".git")

	// SSH short form: user@host:org/repo
	if at := strings.Index(trimmed, "@"); at >= 0 && !strings.Contains(trimmed, "://") {
		if colon := strings.Index(trimmed[at:], ":"); colon >= 0 {
			path := trimmed[at+colon+1:]
			parts := strings.Split(path, "/")
			if len(parts) >= 2 {
				return parts[len(parts)-2]
			}
		}
		return ""
	}

	// URL form: scheme://host/org/repo
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return ""
}

// --- MCP server detection ---

// mcpServers collects server names from the project-level .mcp.json and the
// host assistant's user config.
func (p *Probe) mcpServers(cwd string) []string {
	names := make(map[string]struct{})

	collect := func(path string) {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		var doc struct {
			MCPServers map[string]json.RawMessage `json:"mcpServers"`
		}
		if json.Unmarshal(data, &doc) != nil {
			return
		}
		for name := range doc.MCPServers {
			names[name] = struct{}{}
		}
	}

	if cwd != "" {
		collect(filepath.Join(cwd, ".mcp.json"))
	}
	home := p.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home != "" {
		collect(filepath.Join(home, ".claude.json"))
	}

	if len(names) == 0 {
		return nil
	}
	return sortedTags(names)
}

// --- tag detection ---

// fileMarkers maps a marker file in the working directory to tags.
var fileMarkers = map[string][]string{
	"tsconfig.json":        {"typescript"},
	"package.json":         {"nodejs"},
	"Gemfile":              {"ruby"},
	"Cargo.toml":           {"rust"},
	"go.mod":               {"golang"},
	"Dockerfile":           {"docker"},
	"playwright.config.ts": {"playwright"},
	"vite.config.ts":       {"vite"},
	"next.config.js":       {"nextjs"},
	"nuxt.config.ts":       {"nuxtjs"},
}

var jestConfigs = []string{"jest.config.js", "jest.config.ts", "jest.config.mjs", "jest.config.cjs", "jest.config.json"}

func fileMarkerTags(cwd string, tags map[string]struct{}) {
	if cwd == "" {
		return
	}
	for marker, ts := range fileMarkers {
		if fileExists(filepath.Join(cwd, marker)) {
			addAll(tags, ts)
		}
	}
	for _, name := range jestConfigs {
		if fileExists(filepath.Join(cwd, name)) {
			tags["jest"] = struct{}{}
			break
		}
	}
}

// directoryMarkers maps a directory in the working directory to tags.
var directoryMarkers = map[string][]string{
	"packages":   {"monorepo"},
	"apps":       {"monorepo"},
	"libs":       {"monorepo"},
	"engines":    {"monorepo", "rails-engines"},
	"components": {"frontend", "react"},
	"frontend":   {"frontend"},
	"backend":    {"backend"},
}

func directoryMarkerTags(cwd string, tags map[string]struct{}) {
	if cwd == "" {
		return
	}
	for marker, ts := range directoryMarkers {
		if dirExists(filepath.Join(cwd, marker)) {
			addAll(tags, ts)
		}
	}
}

// nodeDeps maps a direct package.json dependency to tags.
var nodeDeps = map[string][]string{
	"react":         {"react", "frontend"},
	"next":          {"nextjs", "react", "frontend"},
	"vue":           {"vue", "frontend"},
	"nuxt":          {"nuxtjs", "vue", "frontend"},
	"@angular/core": {"angular", "frontend"},
	"@nestjs/core":  {"nestjs", "nodejs", "backend"},
	"express":       {"express", "nodejs", "backend"},
	"fastify":       {"fastify", "nodejs", "backend"},
	"jest":          {"jest"},
	"vitest":        {"vitest"},
	"typescript":    {"typescript"},
	"tailwindcss":   {"tailwind", "frontend"},
}

// gemDeps maps a Gemfile gem to tags.
var gemDeps = map[string][]string{
	"rails":   {"rails", "ruby", "backend"},
	"sinatra": {"sinatra", "ruby", "backend"},
	"rspec":   {"rspec"},
	"sidekiq": {"sidekiq"},
}

// manifestTags infers tags from direct dependencies in package.json and the
// Gemfile. Lockfiles and transitive dependencies are ignored.
func manifestTags(cwd string, tags map[string]struct{}) {
	if cwd == "" {
		return
	}

	if data, err := os.ReadFile(filepath.Join(cwd, "package.json")); err == nil {
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			for dep := range pkg.Dependencies {
				addAll(tags, nodeDeps[dep])
			}
			for dep := range pkg.DevDependencies {
				addAll(tags, nodeDeps[dep])
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(cwd, "Gemfile")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			rest, ok := strings.CutPrefix(line, "gem ")
			if !ok {
				continue
			}
			rest = strings.TrimSpace(rest)
			if len(rest) < 2 || (rest[0] != '\'' && rest[0] != '"') {
				continue
			}
			quote := rest[0]
			end := strings.IndexByte(rest[1:], quote)
			if end < 0 {
				continue
			}
			addAll(tags, gemDeps[rest[1:1+end]])
		}
	}
}

func addAll(tags map[string]struct{}, ts []string) {
	for _, t := range ts {
		tags[t] = struct{}{}
	}
}

func sortedTags(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
