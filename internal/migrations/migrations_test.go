package migrations

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_Parse(t *testing.T) {
	src, err := iofs.New(MigrationFiles, ".")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	require.Equal(t, uint(1), first)

	versions := []uint{first}
	for v := first; ; {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		require.NoError(t, err)
		versions = append(versions, next)
		v = next
	}
	require.Equal(t, []uint{1, 2}, versions)
	require.Equal(t, Latest, versions[len(versions)-1], "Latest names the newest embedded migration")

	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err)
		up.Close()
		down, _, err := src.ReadDown(v)
		require.NoError(t, err)
		down.Close()
	}
}
