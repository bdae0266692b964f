package sysutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	level, logger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(level)
		log.Logger = logger
	})
}

func TestSetLogLevel(t *testing.T) {
	keepGlobals(t)
	levels := map[zerolog.Level][]string{
		zerolog.DebugLevel: {"debug", "  DeBuG  "},
		zerolog.InfoLevel:  {"info", "", "verbose"},
		zerolog.WarnLevel:  {"warn", "Warning"},
		zerolog.ErrorLevel: {"error"},
		zerolog.FatalLevel: {"FATAL"},
		zerolog.PanicLevel: {"panic"},
	}
	for want, inputs := range levels {
		for _, in := range inputs {
			ret := SetLogLevel(in)
			if ret != want || zerolog.GlobalLevel() != want {
				t.Fatalf("SetLogLevel(%q) returned %v, global %v; want %v", in, ret, zerolog.GlobalLevel(), want)
			}
		}
	}
}

func TestConfigureLogging(t *testing.T) {
	keepGlobals(t)

	var buf bytes.Buffer
	ConfigureLogging("warn", false, &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("lane", "wallet:w1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"lane":"wallet:w1"`) || !strings.Contains(out, `"time":`) {
		t.Fatalf("json output: %s", out)
	}

	buf.Reset()
	ConfigureLogging("debug", true, &buf)
	log.Debug().Msg("console line")
	if out := buf.String(); !strings.Contains(out, "console line") || strings.HasPrefix(out, "{") {
		t.Fatalf("console output: %q", out)
	}
}

func TestIsTruthy_DiscardConfirmation(t *testing.T) {
	answers := []struct {
		in   string
		want bool
	}{
		{"y", true}, {"Y\n", true}, {" yes ", true}, {"TRUE", true}, {"1", true}, {"On", true},
		{"", false}, {"\n", false}, {"n", false}, {"no", false}, {"0", false}, {"off", false}, {"yep", false},
	}
	for _, a := range answers {
		if got := IsTruthy(a.in); got != a.want {
			t.Fatalf("IsTruthy(%q) = %v", a.in, got)
		}
	}
}

func TestFirstNonEmpty_KeepsSpacing(t *testing.T) {
	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("no values: %q", got)
	}
	if got := FirstNonEmpty("", " \t", "\n"); got != "" {
		t.Fatalf("blank values: %q", got)
	}
	if got := FirstNonEmpty(" ", " till-4 ", "host"); got != " till-4 " {
		t.Fatalf("got %q", got)
	}
}

func TestDeviceID(t *testing.T) {
	cases := []struct{ configured, want string }{
		{"kiosk-3", "kiosk-3"},
		{"  shop floor/tablet #2 ", "shop-floor-tablet-2"},
		{"till_4.local:8080", "till_4.local:8080"},
	}
	for _, tc := range cases {
		if got := DeviceID(tc.configured); got != tc.want {
			t.Fatalf("DeviceID(%q) = %q; want %q", tc.configured, got, tc.want)
		}
	}
	if got := DeviceID(strings.Repeat("a", 200)); len(got) != 128 {
		t.Fatalf("len = %d", len(got))
	}
	if got := DeviceID(""); got == "" || strings.ContainsAny(got, " /#") {
		t.Fatalf("fallback id = %q", got)
	}
}
