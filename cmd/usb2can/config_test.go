package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		listenAddr: ":2303", backend: "usb", bitrate: "500k", txTimeout: 8 * time.Millisecond,
		ioTimeout: time.Millisecond, extThreshold: 0x7FF, resend: "never", maxClients: 10,
		clientBuffer: 8, clientPolicy: "drop", serialDev: "/dev/null", baud: 115200,
		serialReadTO: 10 * time.Millisecond, canIf: "can0", logFormat: "text", logLevel: "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badPolicy", func(c *appConfig) { c.clientPolicy = "x" }},
		{"badResend", func(c *appConfig) { c.resend = "always" }},
		{"badBitrate", func(c *appConfig) { c.bitrate = "42k" }},
		{"badIndex", func(c *appConfig) { c.deviceIndex = -1 }},
		{"badChannel", func(c *appConfig) { c.channel = 3 }},
		{"badTxTimeout", func(c *appConfig) { c.txTimeout = 0 }},
		{"badIOTimeout", func(c *appConfig) { c.ioTimeout = 0 }},
		{"badThreshold", func(c *appConfig) { c.extThreshold = 0x20000000 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = 0 }},
		{"badClientBuf", func(c *appConfig) { c.clientBuffer = 0 }},
		{"badSync", func(c *appConfig) { c.syncPeriod = -time.Millisecond }},
		{"badBaud", func(c *appConfig) { c.backend = "serial"; c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.backend = "serial"; c.serialReadTO = 0 }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidate_BaudIgnoredForUSB(t *testing.T) {
	c := validConfig()
	c.baud = 0
	if err := c.validate(); err != nil {
		t.Fatalf("baud only matters for the serial backend, got %v", err)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, showVersion, err := parseConfig(nil, &bytes.Buffer{})
	if err != nil || showVersion {
		t.Fatalf("parse: %v %v", err, showVersion)
	}
	if cfg.listenAddr != ":2303" || cfg.backend != "usb" || cfg.bitrate != "500k" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.txTimeout != 8*time.Millisecond || cfg.ioTimeout != time.Millisecond {
		t.Fatalf("timeouts %v %v", cfg.txTimeout, cfg.ioTimeout)
	}
	if cfg.extThreshold != 0x7FF || cfg.maxClients != 10 || cfg.resend != "never" || cfg.syncPeriod != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseConfig_Flags(t *testing.T) {
	cfg, _, err := parseConfig([]string{"-backend", "socketcan", "-can-if", "vcan0", "-ext-threshold", "0x100", "-sync-period", "8ms"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.backend != "socketcan" || cfg.canIf != "vcan0" || cfg.extThreshold != 0x100 || cfg.syncPeriod != 8*time.Millisecond {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestParseConfig_Version(t *testing.T) {
	if _, showVersion, _ := parseConfig([]string{"-version"}, &bytes.Buffer{}); !showVersion {
		t.Fatalf("expected -version to be reported")
	}
}

func TestParseConfig_LegacyArgs(t *testing.T) {
	cfg, _, err := parseConfig([]string{"s125k", "p4000", "d2"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.bitrate != "125k" || cfg.listenAddr != ":4000" || cfg.deviceIndex != 2 {
		t.Fatalf("legacy args not applied: %+v", cfg)
	}
	cfg, _, err = parseConfig([]string{"-log-level", "debug", "s33.33k"}, &bytes.Buffer{})
	if err != nil || cfg.bitrate != "33.33k" || cfg.logLevel != "debug" {
		t.Fatalf("mixed args: %v %+v", err, cfg)
	}
}

func TestParseConfig_LegacyUsage(t *testing.T) {
	var out bytes.Buffer
	_, _, err := parseConfig([]string{"?"}, &out)
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
	if !strings.Contains(out.String(), "p<port>") {
		t.Fatalf("usage not printed: %q", out.String())
	}
}

func TestParseConfig_LegacyErrors(t *testing.T) {
	for _, a := range []string{"p0", "pabc", "s7k", "dX", "x1"} {
		if _, _, err := parseConfig([]string{a}, &bytes.Buffer{}); err == nil {
			t.Fatalf("%q: expected error", a)
		}
	}
}

func TestLegacyArgsWinOverEnv(t *testing.T) {
	t.Setenv("USB2CAN_BITRATE", "1m")
	cfg, _, err := parseConfig([]string{"s250k"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.bitrate != "250k" {
		t.Fatalf("legacy arg should win over env, got %s", cfg.bitrate)
	}
}

func TestListenPort(t *testing.T) {
	if got := listenPort("[::]:2303"); got != 2303 {
		t.Fatalf("got %d", got)
	}
	if got := listenPort("garbage"); got != 0 {
		t.Fatalf("got %d", got)
	}
}
