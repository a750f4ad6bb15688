package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func garminRules() []Rule {
	return []Rule{
		{Name: "SLEEP", Pattern: `_SLEEP_.*\.json$`},
		{Name: "STEPS", Pattern: `_STEPS_.*\.json$`},
		{Name: "FLOORS", Pattern: `_FLOORS_.*\.json$`},
		{Name: "ACTIVITY_FIT", Pattern: `\.fit$`, PassThrough: true},
		{Name: "ANY_JSON", Pattern: `\.json$`},
	}
}

func TestClassify(t *testing.T) {
	c, err := New(garminRules())
	require.NoError(t, err)

	tests := []struct {
		name        string
		file        string
		wantType    string
		passThrough bool
	}{
		{name: "sleep", file: "user1_SLEEP_2025-08-07.json", wantType: "SLEEP"},
		{name: "steps", file: "user1_STEPS_2025-08-07.json", wantType: "STEPS"},
		{name: "pass-through", file: "user1_ACTIVITY_2025-08-07.fit", wantType: "ACTIVITY_FIT", passThrough: true},
		{name: "first match wins", file: "user1_FLOORS_2025-08-08.json", wantType: "FLOORS"},
		{name: "fallback rule", file: "user1_HRV_2025-08-08.json", wantType: "ANY_JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft, err := c.Classify(tt.file)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ft.Name)
			assert.Equal(t, tt.passThrough, ft.PassThrough)
		})
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	c, err := New(garminRules())
	require.NoError(t, err)

	_, err = c.Classify("notes.txt")
	require.Error(t, err)

	var unrec *UnrecognizedFileError
	require.True(t, errors.As(err, &unrec))
	assert.Equal(t, "notes.txt", unrec.Name)
}

func TestNewRejectsBadRules(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]Rule{{Name: "A", Pattern: "a"}, {Name: "A", Pattern: "b"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New([]Rule{{Name: "A", Pattern: "("}})
	assert.ErrorContains(t, err, "compile pattern")

	_, err = New([]Rule{{Name: " ", Pattern: "a"}})
	assert.ErrorContains(t, err, "empty name")
}

func TestLookupAndTypesKeepOrder(t *testing.T) {
	c, err := New(garminRules())
	require.NoError(t, err)

	ft, ok := c.Lookup("STEPS")
	require.True(t, ok)
	assert.Equal(t, "STEPS", ft.Name)

	_, ok = c.Lookup("MISSING")
	assert.False(t, ok)

	types := c.Types()
	require.Len(t, types, 5)
	assert.Equal(t, "SLEEP", types[0].Name)
	assert.Equal(t, "ANY_JSON", types[4].Name)
}
