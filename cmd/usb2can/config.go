package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/hub"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/txslot"
)

// errUsage is returned when the user asked for the usage text.
var errUsage = errors.New("usage requested")

type appConfig struct {
	listenAddr      string
	backend         string
	deviceIndex     int
	bitrate         string
	channel         int
	txTimeout       time.Duration
	ioTimeout       time.Duration
	extThreshold    uint
	resend          string
	maxClients      int
	clientBuffer    int
	clientPolicy    string
	syncPeriod      time.Duration
	idleSleep       time.Duration
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	canIf           string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func newFlagSet(cfg *appConfig, showVersion *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("usb2can", flag.ContinueOnError)
	fs.StringVar(&cfg.listenAddr, "listen", ":2303", "TCP listen address")
	fs.StringVar(&cfg.backend, "backend", "usb", "Device backend: usb|serial|socketcan")
	fs.IntVar(&cfg.deviceIndex, "device-index", 0, "Which matching USB adapter to open (enumeration order)")
	fs.StringVar(&cfg.bitrate, "bitrate", gsusb.Rates[gsusb.DefaultRate].Name, "CAN bit rate: "+strings.Join(gsusb.RateNames(), "|"))
	fs.IntVar(&cfg.channel, "channel", 0, "CAN channel on the adapter")
	fs.DurationVar(&cfg.txTimeout, "tx-timeout", txslot.DefaultTimeout, "How long a transmit slot waits for its echo")
	fs.DurationVar(&cfg.ioTimeout, "io-timeout", time.Millisecond, "Per bulk transfer timeout")
	fs.UintVar(&cfg.extThreshold, "ext-threshold", uint(gsusb.DefaultExtThreshold), "Largest identifier sent as a standard frame (0x prefix accepted)")
	fs.StringVar(&cfg.resend, "resend", "never", "Resend policy for unechoed frames: never|backoff")
	fs.IntVar(&cfg.maxClients, "max-clients", hub.DefaultCapacity, "Maximum simultaneous TCP clients")
	fs.IntVar(&cfg.clientBuffer, "client-buffer", 512, "Per-client outbound buffer (frames)")
	fs.StringVar(&cfg.clientPolicy, "client-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.syncPeriod, "sync-period", 0, "If >0, transmit a sync frame with this period")
	fs.DurationVar(&cfg.idleSleep, "idle-sleep", 0, "Sleep this long after a reactor step that did no work")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when -backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when -backend=socketcan)")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default usb2can-<hostname>)")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	return fs
}

// parseConfig parses flags, then the legacy positional arguments, then
// USB2CAN_* environment overrides for anything not set explicitly.
func parseConfig(args []string, out io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	var showVersion bool
	fs := newFlagSet(cfg, &showVersion)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, false, errUsage
		}
		return nil, false, err
	}
	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyLegacyArgs(cfg, fs.Args(), setFlags); err != nil {
		if errors.Is(err, errUsage) {
			printLegacyUsage(out)
		}
		return nil, showVersion, err
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, showVersion, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, showVersion, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, showVersion, nil
}

// applyLegacyArgs accepts the positional arguments of the classic tool:
// "p<port>", "s<rate>", "d<index>" and "?".
func applyLegacyArgs(c *appConfig, args []string, set map[string]struct{}) error {
	for _, a := range args {
		if a == "" {
			continue
		}
		switch a[0] {
		case '?':
			return errUsage
		case 'p':
			n, err := strconv.Atoi(a[1:])
			if err != nil || n <= 0 || n > 65535 {
				return fmt.Errorf("incorrect port argument %q", a)
			}
			c.listenAddr = ":" + strconv.Itoa(n)
			set["listen"] = struct{}{}
		case 'd':
			n, err := strconv.Atoi(a[1:])
			if err != nil || n < 0 {
				return fmt.Errorf("incorrect device argument %q", a)
			}
			c.deviceIndex = n
			set["device-index"] = struct{}{}
		case 's':
			r, err := gsusb.LookupRate(a[1:])
			if err != nil {
				return fmt.Errorf("incorrect bitrate argument %q", a)
			}
			c.bitrate = r.Name
			set["bitrate"] = struct{}{}
		default:
			return fmt.Errorf("unexpected argument %q", a)
		}
	}
	return nil
}

func printLegacyUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: usb2can [flags] [s<rate>] [p<port>] [d<index>] [?]")
	fmt.Fprintln(w, "  s<rate>  bit rate, one of:", strings.Join(gsusb.RateNames(), ", "))
	fmt.Fprintln(w, "  p<port>  TCP port to listen on (default 2303)")
	fmt.Fprintln(w, "  d<index> which adapter to use when several are connected (default 0)")
	fmt.Fprintln(w, "  ?        print this message")
	fmt.Fprintln(w, "Run with -h for the full flag list.")
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "usb", "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, ok := hub.ParsePolicy(c.clientPolicy); !ok {
		return fmt.Errorf("invalid client-policy: %s", c.clientPolicy)
	}
	if _, ok := txslot.ParseResendPolicy(c.resend); !ok {
		return fmt.Errorf("invalid resend: %s", c.resend)
	}
	if _, err := gsusb.LookupRate(c.bitrate); err != nil {
		return err
	}
	if c.deviceIndex < 0 {
		return fmt.Errorf("device-index must be >= 0 (got %d)", c.deviceIndex)
	}
	if c.channel < 0 || c.channel >= gsusb.MaxChannels {
		return fmt.Errorf("channel must be in [0,%d) (got %d)", gsusb.MaxChannels, c.channel)
	}
	if c.txTimeout <= 0 {
		return fmt.Errorf("tx-timeout must be > 0")
	}
	if c.ioTimeout <= 0 {
		return fmt.Errorf("io-timeout must be > 0")
	}
	if c.extThreshold > can.CAN_EFF_MASK {
		return fmt.Errorf("ext-threshold must be <= %#x (got %#x)", can.CAN_EFF_MASK, c.extThreshold)
	}
	if c.maxClients <= 0 {
		return fmt.Errorf("max-clients must be > 0 (got %d)", c.maxClients)
	}
	if c.clientBuffer <= 0 {
		return fmt.Errorf("client-buffer must be > 0 (got %d)", c.clientBuffer)
	}
	if c.syncPeriod < 0 || c.idleSleep < 0 || c.logMetricsEvery < 0 {
		return fmt.Errorf("sync-period, idle-sleep and log-metrics-interval must be >= 0")
	}
	if c.backend == "serial" {
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	}
	return nil
}

// applyEnvOverrides maps USB2CAN_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// The first parse error is returned after all variables were applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	integer := func(flagName, key string, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	duration := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	str("listen", "USB2CAN_LISTEN", &c.listenAddr)
	str("backend", "USB2CAN_BACKEND", &c.backend)
	integer("device-index", "USB2CAN_DEVICE_INDEX", &c.deviceIndex)
	str("bitrate", "USB2CAN_BITRATE", &c.bitrate)
	integer("channel", "USB2CAN_CHANNEL", &c.channel)
	duration("tx-timeout", "USB2CAN_TX_TIMEOUT", &c.txTimeout)
	duration("io-timeout", "USB2CAN_IO_TIMEOUT", &c.ioTimeout)
	if v, ok := get("ext-threshold", "USB2CAN_EXT_THRESHOLD"); ok {
		if n, err := strconv.ParseUint(v, 0, 32); err == nil {
			c.extThreshold = uint(n)
		} else {
			fail("USB2CAN_EXT_THRESHOLD", err)
		}
	}
	str("resend", "USB2CAN_RESEND", &c.resend)
	integer("max-clients", "USB2CAN_MAX_CLIENTS", &c.maxClients)
	integer("client-buffer", "USB2CAN_CLIENT_BUFFER", &c.clientBuffer)
	str("client-policy", "USB2CAN_CLIENT_POLICY", &c.clientPolicy)
	duration("sync-period", "USB2CAN_SYNC_PERIOD", &c.syncPeriod)
	duration("idle-sleep", "USB2CAN_IDLE_SLEEP", &c.idleSleep)
	str("serial", "USB2CAN_SERIAL", &c.serialDev)
	integer("baud", "USB2CAN_BAUD", &c.baud)
	duration("serial-read-timeout", "USB2CAN_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("can-if", "USB2CAN_CAN_IF", &c.canIf)
	str("log-format", "USB2CAN_LOG_FORMAT", &c.logFormat)
	str("log-level", "USB2CAN_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "USB2CAN_METRICS", &c.metricsAddr)
	duration("log-metrics-interval", "USB2CAN_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if v, ok := get("mdns-enable", "USB2CAN_MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail("USB2CAN_MDNS_ENABLE", fmt.Errorf("not a boolean: %q", v))
		}
	}
	str("mdns-name", "USB2CAN_MDNS_NAME", &c.mdnsName)
	return firstErr
}
