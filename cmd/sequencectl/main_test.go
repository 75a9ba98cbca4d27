package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSteps(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"bare array", `[{"subject":"Hi","body":"<p>Hi</p>"},{"subject":"Later","body":"x","delay_days":2}]`, 2, false},
		{"request body", `{"steps":[{"subject":"Hi","body":"<p>Hi</p>"}]}`, 1, false},
		{"leading whitespace", "\n  [{\"subject\":\"Hi\",\"body\":\"b\"}]", 1, false},
		{"malformed", `{"steps":`, 0, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, string(rune('a'+i))+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			steps, err := readSteps(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, steps, tt.want)
		})
	}
}

func TestReadSteps_DelayFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"subject":"S","body":"B","delay_days":1,"delay_hours":6}]`), 0o600))

	steps, err := readSteps(path)
	require.NoError(t, err)
	assert.Equal(t, 1, steps[0].DelayDays)
	assert.Equal(t, 6, steps[0].DelayHours)
}

func TestReadSteps_MissingFile(t *testing.T) {
	_, err := readSteps(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
