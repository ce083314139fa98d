package connstring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaSet(t *testing.T) {
	cs, err := Parse("rs0/db1:27017,db2:27017,db3:27017")
	require.NoError(t, err)

	assert.Equal(t, "rs0", cs.SetName())
	assert.Equal(t, []string{"db1:27017", "db2:27017", "db3:27017"}, cs.Servers())
	assert.True(t, cs.Contains("db2:27017"))
	assert.False(t, cs.Contains("db4:27017"))
}

func TestParseStandalone(t *testing.T) {
	cs, err := Parse("db1:27017")
	require.NoError(t, err)

	assert.Equal(t, "", cs.SetName())
	assert.Equal(t, []string{"db1:27017"}, cs.Servers())
}

func TestParseStandaloneList(t *testing.T) {
	cs, err := Parse("db1:27017, db2:27017")
	require.NoError(t, err)
	assert.Equal(t, []string{"db1:27017", "db2:27017"}, cs.Servers())
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"rs0/",
		"/db1:27017",
		"rs0/db1:27017,bad host:1",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "expected %q to fail", bad)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{
		"rs0/db1:27017,db2:27017",
		"db1:27017",
		"db1:27017,db2:27017",
	} {
		cs, err := Parse(s)
		require.NoError(t, err)

		again, err := Parse(cs.String())
		require.NoError(t, err)
		assert.Equal(t, cs.SetName(), again.SetName())
		assert.Equal(t, cs.Servers(), again.Servers())
	}
}

func TestForHosts(t *testing.T) {
	cs := ForHosts("rs0", "a:1", "b:1")
	assert.Equal(t, "rs0", cs.SetName())
	assert.Equal(t, "rs0/a:1,b:1", cs.String())

	servers := cs.Servers()
	servers[0] = "mutated"
	assert.Equal(t, []string{"a:1", "b:1"}, cs.Servers(), "Servers must return a copy")
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("rs0/") })
}
