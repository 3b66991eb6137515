package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/internal/config"
)

func TestAccountImportBulkLoadsFromTOMLBundle(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "accounts.db")
	cfgPath := filepath.Join(dir, "xpool.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[database]
path = "`+dbPath+`"
`), 0o644))

	bundlePath := filepath.Join(dir, "accounts.toml")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`
[[account]]
username = "a1"
auth_token = "tok-1"

[[account]]
username = "a2"
user_agent = "xpool-test/1.0"
proxy = "http://proxy.internal:8080"
`), 0o644))

	ConfigPath = cfgPath
	importPath = bundlePath
	t.Cleanup(func() { ConfigPath = ""; importPath = "" })

	require.NoError(t, runAccountImport(accountImportCmd, nil))

	store, err := accountpool.Open(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	accounts, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	byUsername := map[string]*accountpool.Account{}
	for _, a := range accounts {
		byUsername[a.Username] = a
	}
	require.Equal(t, "tok-1", byUsername["a1"].AuthToken)
	require.True(t, byUsername["a1"].Active)
	require.Equal(t, "http://proxy.internal:8080", byUsername["a2"].Proxy)
}

func TestAccountImportRejectsEmptyBundle(t *testing.T) {
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "empty.toml")
	require.NoError(t, os.WriteFile(bundlePath, []byte("# no accounts here\n"), 0o644))

	importPath = bundlePath
	t.Cleanup(func() { importPath = "" })

	err := runAccountImport(accountImportCmd, nil)
	require.Error(t, err)
}

func TestAccountImportRejectsMissingUsername(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "accounts.db")
	cfgPath := filepath.Join(dir, "xpool.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[database]
path = "`+dbPath+`"
`), 0o644))

	bundlePath := filepath.Join(dir, "accounts.toml")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`
[[account]]
display_name = "no username here"
`), 0o644))

	ConfigPath = cfgPath
	importPath = bundlePath
	t.Cleanup(func() { ConfigPath = ""; importPath = "" })

	err := runAccountImport(accountImportCmd, nil)
	require.Error(t, err)
}
