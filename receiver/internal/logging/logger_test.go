package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWith_AddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{Level: "info"})

	l := With("finalize")
	l.Info().Str("session_id", "s1").Msg("task done")

	out := buf.String()
	if !strings.Contains(out, `"component":"finalize"`) {
		t.Errorf("ожидалось поле component, получено %s", out)
	}
	if !strings.Contains(out, `"session_id":"s1"`) {
		t.Errorf("ожидалось поле session_id, получено %s", out)
	}
}

func TestInit_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{Level: "info"})

	Info().Msg("hidden")
	Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info сообщение не должно выводиться на уровне warn")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn сообщение должно выводиться")
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	defer Init(Config{Level: "info"})

	a := Watermill().With(watermill.LogFields{"topic": "watch.frames"})
	a.Error("publish failed", errors.New("boom"), nil)

	out := buf.String()
	if !strings.Contains(out, "watch.frames") || !strings.Contains(out, "boom") {
		t.Errorf("неожиданный вывод: %s", out)
	}
}
