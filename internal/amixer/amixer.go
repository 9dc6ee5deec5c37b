// Package amixer reads and sets ALSA simple mixer controls by running the
// amixer tool.
package amixer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Runner executes amixer with the given arguments and returns its combined
// output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "amixer", args...).CombinedOutput()
}

type Control struct {
	Volume int
	Muted  bool
}

// Mixer is one simple control on one sound card.
type Mixer struct {
	Card    int
	Control string
	Run     Runner
}

func New(card int, control string) *Mixer {
	if control == "" {
		control = "Master"
	}
	return &Mixer{Card: card, Control: control, Run: execRunner}
}

var (
	volumeRegex = regexp.MustCompile(`\[(\d{1,3})%\]`)
	switchRegex = regexp.MustCompile(`\[(on|off)\]`)
)

func (m *Mixer) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-c", strconv.Itoa(m.Card)}, args...)
	out, err := m.Run(ctx, full...)
	if err != nil {
		return nil, fmt.Errorf("amixer %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Get returns the control's volume and mute state. With several channels the
// first channel's volume is reported and the control counts as muted when
// any channel is switched off.
func (m *Mixer) Get(ctx context.Context) (Control, error) {
	out, err := m.run(ctx, "sget", m.Control)
	if err != nil {
		return Control{}, err
	}
	return ParseControl(out)
}

func (m *Mixer) SetVolume(ctx context.Context, percent int) error {
	_, err := m.run(ctx, "sset", m.Control, fmt.Sprintf("%d%%", percent))
	return err
}

func (m *Mixer) SetMute(ctx context.Context, muted bool) error {
	arg := "unmute"
	if muted {
		arg = "mute"
	}
	_, err := m.run(ctx, "sset", m.Control, arg)
	return err
}

// ParseControl extracts volume and switch state from `amixer sget` output.
func ParseControl(out []byte) (Control, error) {
	var c Control
	found := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, ":") {
			continue
		}
		if m := volumeRegex.FindStringSubmatch(line); m != nil && !found {
			c.Volume, _ = strconv.Atoi(m[1])
			found = true
		}
		if m := switchRegex.FindStringSubmatch(line); m != nil && m[1] == "off" {
			c.Muted = true
		}
	}
	if err := scanner.Err(); err != nil {
		return Control{}, fmt.Errorf("error scanning amixer output: %w", err)
	}
	if !found {
		return Control{}, fmt.Errorf("no volume found in amixer output")
	}
	return c, nil
}
