package instances

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVenvScript stands in for "python -m venv DIR". The environment it
// creates has an activate script that puts DIR/bin on PATH, a pip that
// records its arguments, and a python that runs the bot stub below.
const fakeVenvScript = `#!/bin/sh
[ "$1" = "-m" ] && [ "$2" = "venv" ] || exit 2
mkdir -p "$3/bin" || exit 1
printf 'PATH="%s/bin:$PATH"\nexport PATH\n' "$PWD/$3" > "$3/bin/activate"
cat > "$3/bin/pip" <<'PIP'
#!/bin/sh
[ -n "$PIP_FAIL" ] && { echo "pip exploded" >&2; exit 1; }
echo "$@" >> installed.txt
PIP
cat > "$3/bin/python" <<'PY'
#!/bin/sh
echo "$PORT" > started.txt
exec sleep "${BOT_SLEEP:-0}"
PY
chmod +x "$3/bin/pip" "$3/bin/python"
`

const failingVenvScript = `#!/bin/sh
echo "no module named venv" >&2
exit 3
`

func skipUnlessUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("provisioning relies on a POSIX shell")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func newTestProvisioner(t *testing.T, venvScript string) *Provisioner {
	t.Helper()
	python := writeScript(t, t.TempDir(), "python", venvScript)
	return NewProvisioner(ProvisionerConfig{Python: python})
}

func TestProvisionCreatesEnvironment(t *testing.T) {
	skipUnlessUnix(t)
	p := newTestProvisioner(t, fakeVenvScript)
	wd := filepath.Join(t.TempDir(), "bots", "bot1")

	err := p.Provision(context.Background(), New(wd))
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(wd, "env", "bin"))

	installed, err := os.ReadFile(filepath.Join(wd, "installed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "install nonebot2[fastapi]", strings.TrimSpace(string(installed)))

	entrypoint, err := os.ReadFile(filepath.Join(wd, "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, EntrypointSource(), entrypoint)
	assert.Contains(t, string(entrypoint), "nonebot.run()")
}

func TestProvisionIsIdempotentOnDirectory(t *testing.T) {
	skipUnlessUnix(t)
	p := newTestProvisioner(t, fakeVenvScript)
	wd := filepath.Join(t.TempDir(), "bot")

	require.NoError(t, p.Provision(context.Background(), New(wd)))
	require.NoError(t, p.Provision(context.Background(), New(wd)))

	installed, err := os.ReadFile(filepath.Join(wd, "installed.txt"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(installed)), "\n"), 2, "dependencies are reinstalled on every run")
}

func TestProvisionOverwritesEntrypoint(t *testing.T) {
	skipUnlessUnix(t)
	p := newTestProvisioner(t, fakeVenvScript)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "bot.py"), []byte("print('stale')\n"), 0644))

	require.NoError(t, p.Provision(context.Background(), New(wd)))

	entrypoint, err := os.ReadFile(filepath.Join(wd, "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, EntrypointSource(), entrypoint)
}

func TestProvisionEnvironmentFailure(t *testing.T) {
	skipUnlessUnix(t)
	p := newTestProvisioner(t, failingVenvScript)
	wd := filepath.Join(t.TempDir(), "bot")

	err := p.Provision(context.Background(), New(wd))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentCreation)
	assert.Contains(t, err.Error(), "no module named venv")

	assert.DirExists(t, wd, "directory creation happens before the failing step")
	assert.NoFileExists(t, filepath.Join(wd, "bot.py"))
}

func TestProvisionMissingInterpreter(t *testing.T) {
	skipUnlessUnix(t)
	p := NewProvisioner(ProvisionerConfig{Python: filepath.Join(t.TempDir(), "does-not-exist")})

	err := p.Provision(context.Background(), New(t.TempDir()))
	assert.ErrorIs(t, err, ErrEnvironmentCreation)
}

func TestProvisionDependencyFailure(t *testing.T) {
	skipUnlessUnix(t)
	t.Setenv("PIP_FAIL", "1")
	p := newTestProvisioner(t, fakeVenvScript)
	wd := t.TempDir()

	err := p.Provision(context.Background(), New(wd))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyInstall)
	assert.Contains(t, err.Error(), "pip exploded")
	assert.NoFileExists(t, filepath.Join(wd, "bot.py"))
}

func TestProvisionFilesystemFailure(t *testing.T) {
	skipUnlessUnix(t)
	p := newTestProvisioner(t, fakeVenvScript)
	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	err := p.Provision(context.Background(), New(filepath.Join(file, "bot")))
	assert.ErrorIs(t, err, ErrFilesystem)
}

func TestProvisionTimeout(t *testing.T) {
	skipUnlessUnix(t)
	python := writeScript(t, t.TempDir(), "python", "#!/bin/sh\nexec sleep 5\n")
	p := NewProvisioner(ProvisionerConfig{Python: python, Timeout: 100 * time.Millisecond})

	start := time.Now()
	err := p.Provision(context.Background(), New(t.TempDir()))
	assert.ErrorIs(t, err, ErrEnvironmentCreation)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestProvisionWaitsForSlot(t *testing.T) {
	p := NewProvisioner(ProvisionerConfig{MaxConcurrent: 1})
	p.slots <- struct{}{} // occupy the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Provision(ctx, New(t.TempDir()))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'nonebot2[fastapi]'`, shellQuote("nonebot2[fastapi]"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
