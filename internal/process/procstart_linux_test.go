//go:build linux

package process

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStartTicks(t *testing.T) {
	// comm with spaces and a closing parenthesis
	line := "4242 (node (worker) x) S 1 4242 4242 0 -1 4194560 1234 0 0 0 10 2 0 0 20 0 11 0 987654 123456789 4567"
	ticks, err := parseStartTicks(line)
	require.NoError(t, err)
	assert.Equal(t, int64(987654), ticks)

	_, err = parseStartTicks("4242 (node) S 1 2 3")
	assert.Error(t, err)
	_, err = parseStartTicks("garbage")
	assert.Error(t, err)
}

func TestParseBootTime(t *testing.T) {
	stat := "cpu  1 2 3 4\nintr 5\nbtime 1700000000\nprocesses 99\n"
	boot, err := parseBootTime(strings.NewReader(stat))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), boot)

	_, err = parseBootTime(strings.NewReader("cpu 1 2 3\n"))
	assert.ErrorIs(t, err, errNoBootTime)
}

func TestBootOffset(t *testing.T) {
	got := bootOffset(1700000000, 250, 100)
	assert.Equal(t, time.Unix(1700000002, int64(500*time.Millisecond)), got)
}

func TestStartTimeOfMissingPID(t *testing.T) {
	assert.True(t, StartTime(2147483646).IsZero())
	assert.True(t, StartTime(0).IsZero())
}
