// Package workspace implements the Workspace Manager (component B):
// per-session filesystem preparation, package-manager and framework
// detection, dependency installation, and start-command selection. Grounded
// in the teacher's os/exec conventions (internal/sync/git.go) and in the
// original prototype's workspace_manager.py, whose detection priority and
// fallback chains are preserved exactly.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/security"
)

// PackageManager identifies which Node package manager governs a workspace.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

// Framework identifies the detected frontend framework/toolchain, used to
// pick environment variables and fallback start commands.
type Framework string

const (
	FrameworkVite      Framework = "vite"
	FrameworkNext      Framework = "nextjs"
	FrameworkNuxt      Framework = "nuxt"
	FrameworkSvelteKit Framework = "sveltekit"
	FrameworkAngular   Framework = "angular"
	FrameworkSvelte    Framework = "svelte"
	FrameworkVue       Framework = "vue"
	FrameworkReact     Framework = "react"
	FrameworkUnknown   Framework = ""
)

// PackageInfo is the subset of package.json the orchestrator cares about.
type PackageInfo struct {
	Manager      PackageManager
	Scripts      map[string]string
	Dependencies map[string]string
	DevDeps      map[string]string
}

// Info describes a prepared workspace, returned by Prepare.
type Info struct {
	SessionID string
	Path      string
	Package   *PackageInfo
	Framework Framework
	StartArgv []string
}

// Manager owns the per-session workspace lifecycle.
type Manager struct {
	baseDir string
}

// New constructs a Manager rooted at baseDir.
func New(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// pathFor derives the workspace directory from a session id. The id is
// validated to contain only alphanumerics, '-', and '_'; anything else is
// rejected outright rather than sanitized, so a session id can never escape
// baseDir.
func (m *Manager) pathFor(sessionID string) (string, error) {
	if !security.IsSafeSessionIDComponent(sessionID) {
		return "", fmt.Errorf("invalid session id for workspace path: %q", sessionID)
	}
	return filepath.Join(m.baseDir, sessionID), nil
}

// Create makes a fresh, owner-only workspace directory for sessionID. It
// errors if the directory already exists.
func (m *Manager) Create(sessionID string) (string, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace base dir: %w", err)
	}
	path, err := m.pathFor(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(path, 0o700); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return path, nil
}

// Cleanup removes a session's workspace tree. It is idempotent: removing a
// workspace that does not exist returns (false, nil).
func (m *Manager) Cleanup(sessionID string) (bool, error) {
	path, err := m.pathFor(sessionID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, err
	}
	return true, nil
}

type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DetectPackageManager requires a package.json at the workspace root and
// chooses the manager by lockfile priority: pnpm, then yarn, then npm
// (the default when no lockfile is present).
func (m *Manager) DetectPackageManager(path string) (*PackageInfo, error) {
	raw, err := os.ReadFile(filepath.Join(path, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	var parsed packageJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	manager := NPM
	switch {
	case fileExists(filepath.Join(path, "pnpm-lock.yaml")):
		manager = PNPM
	case fileExists(filepath.Join(path, "yarn.lock")):
		manager = Yarn
	case fileExists(filepath.Join(path, "package-lock.json")):
		manager = NPM
	}

	return &PackageInfo{
		Manager:      manager,
		Scripts:      parsed.Scripts,
		Dependencies: parsed.Dependencies,
		DevDeps:      parsed.DevDependencies,
	}, nil
}

// frameworkPriority lists (dependency name, framework) pairs in descending
// priority. Vite is checked first and separately because it determines
// dev-server behavior regardless of which UI library sits on top of it.
var frameworkPriority = []struct {
	dep       string
	framework Framework
}{
	{"next", FrameworkNext},
	{"nuxt", FrameworkNuxt},
	{"@sveltejs/kit", FrameworkSvelteKit},
	{"@angular/cli", FrameworkAngular},
	{"svelte", FrameworkSvelte},
	{"vue", FrameworkVue},
	{"@angular/core", FrameworkAngular},
	{"react", FrameworkReact},
}

// DetectFramework inspects the union of dependencies and devDependencies.
// vite wins outright if present; otherwise the first match in
// frameworkPriority wins.
func DetectFramework(pkg *PackageInfo) Framework {
	has := func(name string) bool {
		if pkg == nil {
			return false
		}
		_, inDeps := pkg.Dependencies[name]
		_, inDev := pkg.DevDeps[name]
		return inDeps || inDev
	}

	if has("vite") {
		return FrameworkVite
	}
	for _, candidate := range frameworkPriority {
		if has(candidate.dep) {
			return candidate.framework
		}
	}
	return FrameworkUnknown
}

var preferredScripts = []string{"dev", "start", "serve", "preview"}

var frameworkFallbackCommand = map[Framework][]string{
	FrameworkVite:  {"npx", "vite", "--host"},
	FrameworkNext:  {"npx", "next", "dev"},
	FrameworkReact: {"npx", "react-scripts", "start"},
}

// startCommand chooses the script name (and, failing that, a hardcoded
// per-framework invocation) to launch the dev server, then renders it as
// argv using the package manager's conventional syntax. Arbitrary
// user-supplied commands are never accepted; only a name looked up in
// package.json's own scripts map, or one of the fixed fallbacks below.
func startCommand(pkg *PackageInfo, framework Framework) []string {
	scripts := preferredScripts
	if framework == FrameworkNext {
		scripts = []string{"dev", "start"}
	}

	if pkg != nil {
		for _, name := range scripts {
			if _, ok := pkg.Scripts[name]; ok {
				return runScriptArgv(pkg.Manager, name)
			}
		}
	}

	if cmd, ok := frameworkFallbackCommand[framework]; ok {
		return cmd
	}
	return []string{"npm", "start"}
}

func runScriptArgv(manager PackageManager, script string) []string {
	switch manager {
	case Yarn:
		return []string{"yarn", script}
	case PNPM:
		return []string{"pnpm", script}
	default:
		return []string{"npm", "run", script}
	}
}

// InstallDependencies runs the manager's install command in path, with a
// CI-mode environment and a bounded timeout. It returns the combined
// output for diagnostics regardless of success.
func (m *Manager) InstallDependencies(ctx context.Context, path string, manager PackageManager) (bool, string, error) {
	var argv []string
	switch manager {
	case Yarn:
		argv = []string{"yarn", "install"}
	case PNPM:
		argv = []string{"pnpm", "install"}
	default:
		argv = []string{"npm", "install"}
	}

	log := logger.Workspace()
	log.Info().Str("path", path).Strs("argv", argv).Msg("installing dependencies")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = path
	cmd.Env = installEnv()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, string(output), fmt.Errorf("install dependencies: %w", err)
	}
	return true, string(output), nil
}

func installEnv() []string {
	env := os.Environ()
	env = append(env,
		"CI=true",
		"NO_UPDATE_NOTIFIER=1",
		"NPM_CONFIG_UPDATE_NOTIFIER=false",
		"NODE_OPTIONS=--max-old-space-size=3072",
	)
	return env
}

// Prepare is the composite operation the Session Manager's setup state
// machine calls while installing: detect package manager and framework,
// install dependencies, and compute the dev-server start command.
func (m *Manager) Prepare(ctx context.Context, sessionID, path string) (*Info, error) {
	pkg, err := m.DetectPackageManager(path)
	if err != nil {
		return nil, err
	}

	framework := DetectFramework(pkg)

	ok, output, err := m.InstallDependencies(ctx, path, pkg.Manager)
	if !ok {
		return nil, fmt.Errorf("dependency install failed: %w (output: %s)", err, truncate(output, 2000))
	}

	return &Info{
		SessionID: sessionID,
		Path:      path,
		Package:   pkg,
		Framework: framework,
		StartArgv: startCommand(pkg, framework),
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
