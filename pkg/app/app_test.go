package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/chargepeer/pkg/log"
)

type demoOptions struct {
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Name      string `mapstructure:"name"`
	completed bool
}

func (o *demoOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	fs := fss.FlagSet("demo")
	fs.StringVar(&o.Store.Path, "store.path", "default.db", "store path")
	fs.StringVar(&o.Name, "name", "", "name")
	return fss
}

func (o *demoOptions) Complete() error {
	o.completed = true
	return nil
}

func (o *demoOptions) Validate() error { return nil }

var _ NamedFlagSetOptions = (*demoOptions)(nil)

func TestAppLoadsConfigThenFlags(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "demo.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("store:\n  path: from-file.db\nname: file\n"), 0o600))

	opts := &demoOptions{}
	ran := false
	a := NewApp("demo", "demo app", WithOptions(opts), WithDefaultValidArgs(), WithRunFunc(func() error {
		ran = true
		return nil
	}))

	a.Command().SetArgs([]string{"--config", cfg, "--name", "flag"})
	require.NoError(t, a.Command().Execute())

	assert.True(t, ran)
	assert.True(t, opts.completed)
	assert.Equal(t, "from-file.db", opts.Store.Path)
	assert.Equal(t, "flag", opts.Name)
}

func TestAppEnvOverride(t *testing.T) {
	t.Setenv("CPEER_STORE_PATH", "from-env.db")

	opts := &demoOptions{}
	a := NewApp("demo", "demo app", WithOptions(opts))
	a.Command().SetArgs(nil)
	require.NoError(t, a.Command().Execute())

	assert.Equal(t, "from-env.db", opts.Store.Path)
}

func TestAppRejectsArgs(t *testing.T) {
	a := NewApp("demo", "demo app", WithOptions(&demoOptions{}), WithDefaultValidArgs())
	a.Command().SetArgs([]string{"extra"})
	assert.Error(t, a.Command().Execute())
}

func TestAppFlagSections(t *testing.T) {
	a := NewApp("demo", "demo app", WithOptions(&demoOptions{}))
	var names []string
	a.Command().Flags().VisitAll(func(f *pflag.Flag) { names = append(names, f.Name) })
	assert.Contains(t, names, "config")
	assert.Contains(t, names, "store.path")
}

func TestConfigChangeReloadsLogLevel(t *testing.T) {
	log.Init(log.NewOptions())
	a := NewApp("demo", "demo app", WithConfigWatch())

	a.viper.Set("log.level", "debug")
	a.onConfigChange(fsnotify.Event{Name: "demo.yaml", Op: fsnotify.Write})
	assert.Equal(t, "debug", log.GetLevel())

	a.viper.Set("log.level", "verbose")
	a.onConfigChange(fsnotify.Event{Name: "demo.yaml", Op: fsnotify.Write})
	assert.Equal(t, "debug", log.GetLevel())

	a.viper.Set("log.level", "warn")
	a.onConfigChange(fsnotify.Event{Name: "demo.yaml", Op: fsnotify.Remove})
	assert.Equal(t, "debug", log.GetLevel())
}
