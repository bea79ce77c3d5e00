package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsAreReversible(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, entry := range entries {
		data, err := migrations.ReadFile("migrations/" + entry.Name())
		require.NoError(t, err)
		var sql = string(data)
		require.Contains(t, sql, "+goose Up", entry.Name())
		require.Contains(t, sql, "+goose Down", entry.Name())
		// Every table the up section creates must be dropped on the way down.
		require.Equal(t,
			strings.Count(sql, "CREATE TABLE"),
			strings.Count(sql, "DROP TABLE"),
			entry.Name())
	}
}
