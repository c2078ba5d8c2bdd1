package main

import (
	"bytes"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmigrations "github.com/wolfman30/clinic-reminders/migrations"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

type fakeMigrator struct {
	upErr   error
	steps   []int
	forced  []int
	version uint
	dirty   bool
	verErr  error
	upCalls int
}

func (f *fakeMigrator) Up() error {
	f.upCalls++
	return f.upErr
}

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return nil
}

func (f *fakeMigrator) Force(version int) error {
	f.forced = append(f.forced, version)
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	return f.version, f.dirty, f.verErr
}

func TestApplyDefaultsToUp(t *testing.T) {
	m := &fakeMigrator{upErr: migrate.ErrNoChange}
	require.NoError(t, apply(m, nil, logging.New("error")))
	assert.Equal(t, 1, m.upCalls)
}

func TestApplyUpPropagatesErrors(t *testing.T) {
	m := &fakeMigrator{upErr: errors.New("dirty database")}
	err := apply(m, []string{"up"}, logging.New("error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty database")
}

func TestApplyDownSteps(t *testing.T) {
	m := &fakeMigrator{}
	require.NoError(t, apply(m, []string{"down"}, logging.New("error")))
	require.NoError(t, apply(m, []string{"down", "2"}, logging.New("error")))
	assert.Equal(t, []int{-1, -2}, m.steps)

	assert.Error(t, apply(m, []string{"down", "zero"}, logging.New("error")))
}

func TestApplyForceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)
	m := &fakeMigrator{version: 3}

	require.NoError(t, apply(m, []string{"force", "2"}, logger))
	assert.Equal(t, []int{2}, m.forced)
	assert.Error(t, apply(m, []string{"force"}, logger))

	require.NoError(t, apply(m, []string{"version"}, logger))
	assert.Contains(t, buf.String(), `"version":3`)

	assert.Error(t, apply(m, []string{"sideways"}, logger))
}

func TestRunRequiresDatabaseURL(t *testing.T) {
	err := run("  ", nil, logging.New("error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(appmigrations.FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	sort.Strings(names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	assert.Equal(t, ups, downs)
}
