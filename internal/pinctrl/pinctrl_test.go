package pinctrl

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGet = `
 0: ip    pu | hi // ID_SDA/GPIO0 = input
 1: ip    pu | hi // ID_SCL/GPIO1 = input
 2: no    pu | -- // GPIO2 = none
 4: ip    pn | lo // GPIO4 = input
 5: op dh pu | hi // GPIO5 = output
 6: op dh pu | hi // GPIO6 = output
12: op dh pd | hi // GPIO12 = output
13: op dh pd | hi // GPIO13 = output
26: op dl pn | lo // GPIO26 = output
`

func TestParseGetAllOutput(t *testing.T) {
	states, err := parseGet(strings.NewReader(sampleGet))
	require.NoError(t, err)
	require.Len(t, states, 9)

	assert.Equal(t, PinState{Pin: 5, Mode: "op", Pull: "pu", Drive: "dh", Level: "hi", Comment: "GPIO5 = output"}, states[5])
	assert.Equal(t, "--", states[2].Level)
	assert.Equal(t, "no", states[2].Mode)
	assert.Equal(t, "dl", states[26].Drive)
	assert.Equal(t, "pn", states[26].Pull)
}

func TestParseGetSinglePinOutput(t *testing.T) {
	states, err := parseGet(strings.NewReader(`25: op dl pd | lo // GPIO25 = output`))
	require.NoError(t, err)

	ps, ok := states[25]
	require.True(t, ok)
	assert.Equal(t, "op", ps.Mode)
	assert.Equal(t, "pd", ps.Pull)
	assert.Equal(t, "dl", ps.Drive)
	assert.Equal(t, "lo", ps.Level)
}

func TestParseLevelOutput(t *testing.T) {
	for input, want := range map[string]bool{"0": false, "1": true, "\n1\n": true, "\n0\n": false} {
		got, err := parseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := parseLevel("x")
	assert.Error(t, err)
}

func TestToolPassesArguments(t *testing.T) {
	var calls [][]string
	tool := &Tool{Run: func(ctx context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		if args[0] == "lev" {
			return []byte("1\n"), nil
		}
		return []byte(sampleGet), nil
	}}
	ctx := context.Background()

	require.NoError(t, tool.SetPin(ctx, 17, "op", "pn", "dh"))
	lvl, err := tool.ReadLevel(ctx, 17)
	require.NoError(t, err)
	assert.True(t, lvl)
	ps, err := tool.ReadPin(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "pd", ps.Pull)

	_, err = tool.ReadPin(ctx, 40)
	assert.Error(t, err)

	assert.Equal(t, []string{"set", "17", "op", "pn", "dh"}, calls[0])
	assert.Equal(t, []string{"lev", "17"}, calls[1])
	assert.Equal(t, []string{"get", "12"}, calls[2])
}
