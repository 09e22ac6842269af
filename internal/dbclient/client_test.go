package dbclient

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
)

func TestParseWriteConcern(t *testing.T) {
	wc, err := parseWriteConcern("{w: majority}")
	require.NoError(t, err)
	require.Equal(t, "majority", wc.W)
	require.Nil(t, wc.Journal)

	wc, err = parseWriteConcern("{w: 1, j: true}")
	require.NoError(t, err)
	require.Equal(t, 1, wc.W)
	require.NotNil(t, wc.Journal)
	require.True(t, *wc.Journal)

	_, err = parseWriteConcern("{w: [")
	require.Error(t, err)
}

func TestReadConcern(t *testing.T) {
	cases := []struct {
		level string
		want  *readconcern.ReadConcern
	}{
		{"majority", readconcern.Majority()},
		{"Majority", readconcern.Majority()},
		{"linearizable", readconcern.Linearizable()},
		{"available", readconcern.Available()},
		{"snapshot", readconcern.Snapshot()},
		{"local", readconcern.Local()},
		{"", readconcern.Local()},
		{"bogus", readconcern.Local()},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, readConcern(tc.level), "level %q", tc.level)
	}
}

func TestRandString(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := randString(1024)
		require.NotEmpty(t, s)
		require.LessOrEqual(t, len(s), 1024)
		for _, c := range s {
			require.True(t, (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'), "char %q", c)
		}
	}
}
