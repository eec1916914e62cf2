package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePackageJSON(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0o644))
}

func TestDetectPackageManager_PrefersPNPMOverYarnOverNPM(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, `{"scripts":{"dev":"vite"}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pnpm-lock.yaml"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yarn.lock"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte(""), 0o644))

	m := New(t.TempDir())
	pkg, err := m.DetectPackageManager(dir)
	require.NoError(t, err)
	assert.Equal(t, PNPM, pkg.Manager)
}

func TestDetectPackageManager_YarnWithoutPNPM(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, `{}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yarn.lock"), []byte(""), 0o644))

	m := New(t.TempDir())
	pkg, err := m.DetectPackageManager(dir)
	require.NoError(t, err)
	assert.Equal(t, Yarn, pkg.Manager)
}

func TestDetectPackageManager_DefaultsToNPM(t *testing.T) {
	dir := t.TempDir()
	writePackageJSON(t, dir, `{}`)

	m := New(t.TempDir())
	pkg, err := m.DetectPackageManager(dir)
	require.NoError(t, err)
	assert.Equal(t, NPM, pkg.Manager)
}

func TestDetectFramework_VitePrecedesAllOthers(t *testing.T) {
	pkg := &PackageInfo{
		Dependencies: map[string]string{"vite": "^5", "react": "^18", "next": "^14"},
	}
	assert.Equal(t, FrameworkVite, DetectFramework(pkg))
}

func TestDetectFramework_PriorityOrder(t *testing.T) {
	pkg := &PackageInfo{Dependencies: map[string]string{"next": "^14", "react": "^18"}}
	assert.Equal(t, FrameworkNext, DetectFramework(pkg))

	pkg = &PackageInfo{DevDeps: map[string]string{"svelte": "^4"}}
	assert.Equal(t, FrameworkSvelte, DetectFramework(pkg))
}

func TestDetectFramework_Unknown(t *testing.T) {
	assert.Equal(t, FrameworkUnknown, DetectFramework(&PackageInfo{}))
	assert.Equal(t, FrameworkUnknown, DetectFramework(nil))
}

func TestStartCommand_PrefersScriptOverFallback(t *testing.T) {
	pkg := &PackageInfo{Manager: Yarn, Scripts: map[string]string{"dev": "vite"}}
	assert.Equal(t, []string{"yarn", "dev"}, startCommand(pkg, FrameworkVite))
}

func TestStartCommand_NextOnlyConsidersDevAndStart(t *testing.T) {
	pkg := &PackageInfo{Manager: NPM, Scripts: map[string]string{"serve": "next-custom-serve"}}
	assert.Equal(t, []string{"npx", "next", "dev"}, startCommand(pkg, FrameworkNext))
}

func TestStartCommand_FallsBackToFrameworkCommand(t *testing.T) {
	pkg := &PackageInfo{Manager: NPM, Scripts: map[string]string{}}
	assert.Equal(t, []string{"npx", "vite", "--host"}, startCommand(pkg, FrameworkVite))
}

func TestStartCommand_UltimateFallback(t *testing.T) {
	pkg := &PackageInfo{Manager: NPM, Scripts: map[string]string{}}
	assert.Equal(t, []string{"npm", "start"}, startCommand(pkg, FrameworkUnknown))
}

func TestRunScriptArgv(t *testing.T) {
	assert.Equal(t, []string{"npm", "run", "dev"}, runScriptArgv(NPM, "dev"))
	assert.Equal(t, []string{"yarn", "dev"}, runScriptArgv(Yarn, "dev"))
	assert.Equal(t, []string{"pnpm", "dev"}, runScriptArgv(PNPM, "dev"))
}

func TestPathFor_RejectsUnsafeSessionIDs(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.Create("../escape")
	assert.Error(t, err)
	_, err = m.Create("a/b")
	assert.Error(t, err)
}

func TestCreateAndCleanup_Workspace(t *testing.T) {
	base := t.TempDir()
	m := New(base)

	path, err := m.Create("session123")
	require.NoError(t, err)
	assert.DirExists(t, path)

	removed, err := m.Cleanup("session123")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, path)

	removed, err = m.Cleanup("session123")
	require.NoError(t, err)
	assert.False(t, removed, "cleaning up an already-gone workspace is a no-op")
}
