package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestParseMigrations(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"m/002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"m/002_more.down.sql": {Data: []byte("DROP TABLE b;")},
		"m/001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"m/001_init.down.sql": {Data: []byte("DROP TABLE a;")},
	}

	migrations, err := parseMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	require.Equal(t, "001_init", migrations[0].ID())
	require.Equal(t, "002_more", migrations[1].ID())
	require.Equal(t, "DROP TABLE b;", migrations[1].Down)
}

func TestParseMigrations_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name:    "missing down",
			files:   fstest.MapFS{"m/001_init.up.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "both up and down",
		},
		{
			name:    "invalid name",
			files:   fstest.MapFS{"m/not_a_migration.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "invalid migration file name",
		},
		{
			name:    "unknown direction",
			files:   fstest.MapFS{"m/001_init.sideways.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "unsupported migration direction",
		},
		{
			name: "empty body",
			files: fstest.MapFS{
				"m/001_init.up.sql":   {Data: []byte("  \n")},
				"m/001_init.down.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "empty",
		},
		{
			name: "name mismatch",
			files: fstest.MapFS{
				"m/001_init.up.sql":    {Data: []byte("SELECT 1;")},
				"m/001_other.down.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "name mismatch",
		},
		{
			name:    "no files",
			files:   fstest.MapFS{"m/.keep": {Data: []byte("")}},
			wantErr: "invalid migration file name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseMigrations(tt.files, "m")
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	migrations, err := parseMigrations(migrationsFS, migrationsDir)
	require.NoError(t, err)
	require.Equal(t, "001_init", migrations[0].ID())
	require.Equal(t, "002_reporting_indexes", migrations[len(migrations)-1].ID())
}

func TestPlanMigrations(t *testing.T) {
	t.Parallel()

	all := []Migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}
	ids := func(plan []Migration) []string {
		out := make([]string, 0, len(plan))
		for _, m := range plan {
			out = append(out, m.ID())
		}
		return out
	}

	tests := []struct {
		name      string
		applied   map[int64]bool
		direction migrationDirection
		steps     int
		want      []string
	}{
		{name: "up all", applied: map[int64]bool{}, direction: migrationUp, want: []string{"001_a", "002_b", "003_c"}},
		{name: "up one", applied: map[int64]bool{1: true}, direction: migrationUp, steps: 1, want: []string{"002_b"}},
		{name: "up nothing pending", applied: map[int64]bool{1: true, 2: true, 3: true}, direction: migrationUp, want: []string{}},
		{name: "down newest first", applied: map[int64]bool{1: true, 2: true}, direction: migrationDown, steps: 5, want: []string{"002_b", "001_a"}},
		{name: "down one", applied: map[int64]bool{1: true, 2: true, 3: true}, direction: migrationDown, steps: 1, want: []string{"003_c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan, err := planMigrations(all, tt.applied, tt.direction, tt.steps)
			require.NoError(t, err)
			require.Equal(t, tt.want, ids(plan))
		})
	}

	_, err := planMigrations(all, map[int64]bool{9: true}, migrationDown, 1)
	require.ErrorContains(t, err, "unknown migration version 9")
}
