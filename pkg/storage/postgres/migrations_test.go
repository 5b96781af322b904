package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsEmbedded(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	assert.Equal(t, 1, ms[0].version)
	assert.Contains(t, ms[0].sql, "CREATE TABLE IF NOT EXISTS runs")
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].version, ms[i].version)
	}
}

func TestLoadMigrationsOrderingAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_later.sql":  {Data: []byte("SELECT 10")},
		"migrations/002_second.sql": {Data: []byte("SELECT 2")},
		"migrations/README.sql":     {Data: []byte("-- notes")},
		"migrations/x_bad.sql":      {Data: []byte("SELECT 0")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)

	var names []string
	for _, m := range ms {
		names = append(names, m.name)
	}
	assert.Equal(t, []string{"002_second.sql", "010_later.sql"}, names)
}

func TestLoadMigrationsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/003_a.sql":  {Data: []byte("SELECT 1")},
		"migrations/0003_b.sql": {Data: []byte("SELECT 2")},
	}
	_, err := loadMigrations(fsys)
	assert.ErrorContains(t, err, "share version 3")
}
