// Package config loads and validates the translator's configuration using
// koanf/v2.
//
// Supports YAML files, environment variables, and CLI flag overrides. The
// resulting Config is immutable for the lifetime of the translation phase
// (created before any worker starts, destroyed after all workers have
// joined) and is shared by read-only reference with every worker.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Addressing Mode
// -------------------------------------------------------------------------

// Mode identifies the address-mapping strategy used by the translator.
type Mode uint8

const (
	// ModeNAT64 maps a single IPv6 address to the translator's own IPv4
	// address; all other addresses are mapped through the /96 prefix.
	ModeNAT64 Mode = iota + 1

	// ModeCLAT mirrors NAT64 with the asymmetric endpoint on the IPv4 side.
	ModeCLAT

	// ModeSIIT performs pure prefix-based mapping with no asymmetric
	// endpoint substitution.
	ModeSIIT

	// ModeExternal delegates address mapping to an external process over
	// a framed request/response protocol.
	ModeExternal
)

// String returns the lowercase configuration-file spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNAT64:
		return "nat64"
	case ModeCLAT:
		return "clat"
	case ModeSIIT:
		return "siit"
	case ModeExternal:
		return "external"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "nat64":
		return ModeNAT64, nil
	case "clat":
		return ModeCLAT, nil
	case "siit":
		return ModeSIIT, nil
	case "external":
		return ModeExternal, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddressingMode, s)
	}
}

// -------------------------------------------------------------------------
// External Mapper Transport
// -------------------------------------------------------------------------

// Transport identifies how the External addressing mode reaches its helper
// process.
type Transport uint8

const (
	// TransportInheritedFDs reads/writes the external mapper request and
	// response on file descriptors inherited from the parent process.
	// It cannot reconnect: its failure crashes the worker.
	TransportInheritedFDs Transport = iota + 1

	// TransportUnix connects to a UNIX-domain stream socket, reconnecting
	// lazily on failure.
	TransportUnix

	// TransportTCP connects to a TCP host:port, iterating the resolved
	// address list in order, reconnecting lazily on failure.
	TransportTCP
)

// String returns the lowercase configuration-file spelling of the transport.
func (t Transport) String() string {
	switch t {
	case TransportInheritedFDs:
		return "inherited-fds"
	case TransportUnix:
		return "unix"
	case TransportTCP:
		return "tcp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTransport maps a configuration string to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "inherited-fds", "inherited_fds", "fds":
		return TransportInheritedFDs, nil
	case "unix":
		return TransportUnix, nil
	case "tcp":
		return TransportTCP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTransport, s)
	}
}

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete, validated translator configuration.
//
// A *Config is built once by Load, validated, and never mutated again. It
// is shared by read-only reference with every worker goroutine.
type Config struct {
	Addressing AddressingConfig `koanf:"addressing"`
	Router     RouterConfig     `koanf:"router"`
	MTU        MTUConfig        `koanf:"mtu"`
	TOS        TOSConfig        `koanf:"tos"`
	Workers    int              `koanf:"workers"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Device     DeviceConfig     `koanf:"device"`
}

// AddressingConfig selects the addressing mode and its mode-specific
// parameters (spec.md §3 "Configuration").
type AddressingConfig struct {
	// Mode is one of "nat64", "clat", "siit", "external".
	Mode string `koanf:"mode"`

	// TranslatorIPv4/TranslatorIPv6 are the translator's own addresses,
	// required for NAT64/CLAT. They must not equal the router addresses.
	TranslatorIPv4 string `koanf:"translator_ipv4"`
	TranslatorIPv6 string `koanf:"translator_ipv6"`

	// Prefix is the 96-bit translation prefix, required for
	// NAT64/CLAT/SIIT. Its low 32 bits must be zero.
	Prefix string `koanf:"prefix"`

	// AllowPrivate permits embedding RFC 1918/CGNAT/link-local/etc.
	// addresses into the prefix.
	AllowPrivate bool `koanf:"allow_translation_of_private_ips"`

	// External holds the parameters for ModeExternal.
	External ExternalConfig `koanf:"external"`
}

// ExternalConfig configures the External addressing mode's transport and
// per-worker cache sizes (spec.md §4.4, §6).
type ExternalConfig struct {
	// Transport is one of "inherited-fds", "unix", "tcp".
	Transport string `koanf:"transport"`

	// UnixPath is the UNIX-domain socket path, required for transport=unix.
	UnixPath string `koanf:"unix_path"`

	// TCPHost/TCPPort identify the TCP endpoint, required for transport=tcp.
	TCPHost string `koanf:"tcp_host"`
	TCPPort int    `koanf:"tcp_port"`

	// TimeoutMillis bounds both send and receive timeouts on the mapper
	// socket (10-2000 ms inclusive).
	TimeoutMillis int `koanf:"timeout_ms"`

	// CacheSizeMain/CacheSizeInner size the four per-worker caches (main
	// and inner-packet, each forward and reverse); 0-10,000,000.
	CacheSizeMain  int `koanf:"cache_size_main"`
	CacheSizeInner int `koanf:"cache_size_inner"`
}

// RouterConfig holds the internal router's identity and the generated-
// packet TTL/hop-limit (spec.md §3, §4.2).
type RouterConfig struct {
	IPv4 string `koanf:"ipv4"`
	IPv6 string `koanf:"ipv6"`
	TTL  int    `koanf:"ttl"`
}

// MTUConfig holds the two outbound MTUs used for refragmentation decisions
// (spec.md §3).
type MTUConfig struct {
	Outbound4 int `koanf:"outbound_ipv4"`
	Outbound6 int `koanf:"outbound_ipv6"`
}

// TOSConfig controls whether DSCP/ECN bits are copied across address
// families (spec.md §3).
type TOSConfig struct {
	Copy6To4 bool `koanf:"copy_6to4"`
	Copy4To6 bool `koanf:"copy_4to6"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// DeviceConfig describes the packet I/O device. TUN device creation itself
// is out of the translator core's scope (spec.md §1); this only tells the
// core whether to treat the configured FDs as single-queue (shared by all
// workers) or multi-queue (one FD per worker), matching spec.md §4.7.
type DeviceConfig struct {
	// Path is informational; it is opened by the external collaborator
	// (nat64ctl) and handed to the core as already-open FDs.
	Path string `koanf:"path"`

	// MultiQueue indicates each worker should own a distinct FD rather
	// than sharing a single FD pair.
	MultiQueue bool `koanf:"multi_queue"`
}

// -------------------------------------------------------------------------
// Resolved view
// -------------------------------------------------------------------------

// Resolved is the parsed, invariant-checked form of Config, with strings
// turned into netip.Addr/Prefix and enums turned into their typed form.
// Produced once by Resolve and handed to every worker by reference.
type Resolved struct {
	Mode Mode

	TranslatorIPv4 netip.Addr
	TranslatorIPv6 netip.Addr
	Prefix         netip.Prefix // a /96 IPv6 prefix

	AllowPrivate bool

	ExternalTransport      Transport
	ExternalUnixPath       string
	ExternalTCPHost        string
	ExternalTCPPort        int
	ExternalTimeoutMillis  int
	ExternalCacheSizeMain  int
	ExternalCacheSizeInner int

	RouterIPv4 netip.Addr
	RouterIPv6 netip.Addr
	RouterTTL  uint8

	OutboundMTU4 int
	OutboundMTU6 int

	Copy6To4TOS bool
	Copy4To6TOS bool

	Workers int

	DeviceMultiQueue bool
}

// -------------------------------------------------------------------------
// Validation Errors
// -------------------------------------------------------------------------

// Sentinel validation errors. Wrapped with context via fmt.Errorf("...: %w").
var (
	ErrInvalidAddressingMode  = errors.New("addressing.mode must be one of nat64, clat, siit, external")
	ErrInvalidTransport       = errors.New("addressing.external.transport must be one of inherited-fds, unix, tcp")
	ErrMissingTranslatorAddr  = errors.New("addressing.translator_ipv4 and translator_ipv6 are required for nat64/clat")
	ErrMissingPrefix          = errors.New("addressing.prefix is required for nat64/clat/siit")
	ErrPrefixNotSlash96       = errors.New("addressing.prefix must be a /96 IPv6 prefix")
	ErrPrefixLowBitsNonZero   = errors.New("addressing.prefix low 32 bits must be zero")
	ErrTranslatorEqualsRouter = errors.New("translator address must not equal the corresponding router address")
	ErrMissingUnixPath        = errors.New("addressing.external.unix_path is required for transport=unix")
	ErrMissingTCPEndpoint     = errors.New("addressing.external.tcp_host and tcp_port are required for transport=tcp")
	ErrInvalidTimeout         = errors.New("addressing.external.timeout_ms must be between 10 and 2000")
	ErrInvalidCacheSize       = errors.New("cache sizes must be between 0 and 10000000")
	ErrInvalidRouterAddr      = errors.New("router.ipv4 and router.ipv6 must be valid addresses")
	ErrInvalidTTL             = errors.New("router.ttl must be between 64 and 255")
	ErrInvalidMTU4            = errors.New("mtu.outbound_ipv4 must be between 96 and 65515")
	ErrInvalidMTU6            = errors.New("mtu.outbound_ipv6 must be between 1280 and 65515")
	ErrInvalidWorkers         = errors.New("workers must be between 1 and 256")
	ErrNotIPv4                = errors.New("address must be an IPv4 address")
	ErrNotIPv6                = errors.New("address must be an IPv6 address")
)

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addressing: AddressingConfig{
			Mode: "siit",
			External: ExternalConfig{
				Transport:      "unix",
				TimeoutMillis:  500,
				CacheSizeMain:  4096,
				CacheSizeInner: 256,
			},
		},
		Router: RouterConfig{
			TTL: 64,
		},
		MTU: MTUConfig{
			Outbound4: 1500,
			Outbound6: 1500,
		},
		Workers: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for translator configuration.
// Variables are named NAT64_<section>_<key>, e.g., NAT64_ADDRESSING_MODE.
const envPrefix = "NAT64_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (NAT64_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. Returns the raw Config; call Resolve to
// obtain the type-checked, invariant-validated view used by the pipeline.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms NAT64_ADDRESSING_MODE -> addressing.mode.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"addressing.mode":                             d.Addressing.Mode,
		"addressing.allow_translation_of_private_ips": d.Addressing.AllowPrivate,
		"addressing.external.transport":                d.Addressing.External.Transport,
		"addressing.external.timeout_ms":               d.Addressing.External.TimeoutMillis,
		"addressing.external.cache_size_main":          d.Addressing.External.CacheSizeMain,
		"addressing.external.cache_size_inner":         d.Addressing.External.CacheSizeInner,
		"router.ttl":         d.Router.TTL,
		"mtu.outbound_ipv4":  d.MTU.Outbound4,
		"mtu.outbound_ipv6":  d.MTU.Outbound6,
		"workers":            d.Workers,
		"log.level":          d.Log.Level,
		"log.format":         d.Log.Format,
		"metrics.addr":       d.Metrics.Addr,
		"metrics.path":       d.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation / Resolution
// -------------------------------------------------------------------------

// Resolve validates cfg against every invariant in spec.md §3/§6 and
// returns the typed, immutable Resolved view. Returns the first error
// encountered.
func Resolve(cfg *Config) (*Resolved, error) {
	mode, err := ParseMode(cfg.Addressing.Mode)
	if err != nil {
		return nil, err
	}

	r := &Resolved{
		Mode:             mode,
		AllowPrivate:     cfg.Addressing.AllowPrivate,
		Workers:          cfg.Workers,
		DeviceMultiQueue: cfg.Device.MultiQueue,
		OutboundMTU4:     cfg.MTU.Outbound4,
		OutboundMTU6:     cfg.MTU.Outbound6,
		Copy6To4TOS:      cfg.TOS.Copy6To4,
		Copy4To6TOS:      cfg.TOS.Copy4To6,
	}

	if cfg.Workers < 1 || cfg.Workers > 256 {
		return nil, ErrInvalidWorkers
	}

	if err := resolveRouter(cfg, r); err != nil {
		return nil, err
	}

	switch mode {
	case ModeNAT64, ModeCLAT:
		if err := resolveTranslatorAddrs(cfg, r); err != nil {
			return nil, err
		}
		if err := resolvePrefix(cfg, r); err != nil {
			return nil, err
		}
	case ModeSIIT:
		if err := resolvePrefix(cfg, r); err != nil {
			return nil, err
		}
	case ModeExternal:
		if err := resolveExternal(cfg, r); err != nil {
			return nil, err
		}
	}

	if cfg.MTU.Outbound4 < 96 || cfg.MTU.Outbound4 > 65515 {
		return nil, ErrInvalidMTU4
	}
	if cfg.MTU.Outbound6 < 1280 || cfg.MTU.Outbound6 > 65515 {
		return nil, ErrInvalidMTU6
	}

	return r, nil
}

func resolveRouter(cfg *Config, r *Resolved) error {
	v4, err := netip.ParseAddr(cfg.Router.IPv4)
	if err != nil || !v4.Is4() {
		return fmt.Errorf("%w: ipv4=%q", ErrInvalidRouterAddr, cfg.Router.IPv4)
	}
	v6, err := netip.ParseAddr(cfg.Router.IPv6)
	if err != nil || !v6.Is6() || v6.Is4In6() {
		return fmt.Errorf("%w: ipv6=%q", ErrInvalidRouterAddr, cfg.Router.IPv6)
	}
	if cfg.Router.TTL < 64 || cfg.Router.TTL > 255 {
		return ErrInvalidTTL
	}
	r.RouterIPv4 = v4
	r.RouterIPv6 = v6
	r.RouterTTL = uint8(cfg.Router.TTL)
	return nil
}

func resolveTranslatorAddrs(cfg *Config, r *Resolved) error {
	if cfg.Addressing.TranslatorIPv4 == "" || cfg.Addressing.TranslatorIPv6 == "" {
		return ErrMissingTranslatorAddr
	}
	v4, err := netip.ParseAddr(cfg.Addressing.TranslatorIPv4)
	if err != nil || !v4.Is4() {
		return fmt.Errorf("%w: %q", ErrNotIPv4, cfg.Addressing.TranslatorIPv4)
	}
	v6, err := netip.ParseAddr(cfg.Addressing.TranslatorIPv6)
	if err != nil || !v6.Is6() || v6.Is4In6() {
		return fmt.Errorf("%w: %q", ErrNotIPv6, cfg.Addressing.TranslatorIPv6)
	}
	if v4 == r.RouterIPv4 || v6 == r.RouterIPv6 {
		return ErrTranslatorEqualsRouter
	}
	r.TranslatorIPv4 = v4
	r.TranslatorIPv6 = v6
	return nil
}

func resolvePrefix(cfg *Config, r *Resolved) error {
	if cfg.Addressing.Prefix == "" {
		return ErrMissingPrefix
	}
	p, err := netip.ParsePrefix(cfg.Addressing.Prefix)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrPrefixNotSlash96, cfg.Addressing.Prefix)
	}
	if !p.Addr().Is6() || p.Bits() != 96 {
		return fmt.Errorf("%w: %q", ErrPrefixNotSlash96, cfg.Addressing.Prefix)
	}
	as16 := p.Addr().As16()
	if as16[12] != 0 || as16[13] != 0 || as16[14] != 0 || as16[15] != 0 {
		return ErrPrefixLowBitsNonZero
	}
	r.Prefix = p
	return nil
}

func resolveExternal(cfg *Config, r *Resolved) error {
	t, err := ParseTransport(cfg.Addressing.External.Transport)
	if err != nil {
		return err
	}

	switch t {
	case TransportUnix:
		if cfg.Addressing.External.UnixPath == "" {
			return ErrMissingUnixPath
		}
	case TransportTCP:
		if cfg.Addressing.External.TCPHost == "" || cfg.Addressing.External.TCPPort == 0 {
			return ErrMissingTCPEndpoint
		}
	}

	if cfg.Addressing.External.TimeoutMillis < 10 || cfg.Addressing.External.TimeoutMillis > 2000 {
		return ErrInvalidTimeout
	}
	if cfg.Addressing.External.CacheSizeMain < 0 || cfg.Addressing.External.CacheSizeMain > 10_000_000 {
		return ErrInvalidCacheSize
	}
	if cfg.Addressing.External.CacheSizeInner < 0 || cfg.Addressing.External.CacheSizeInner > 10_000_000 {
		return ErrInvalidCacheSize
	}

	r.ExternalTransport = t
	r.ExternalUnixPath = cfg.Addressing.External.UnixPath
	r.ExternalTCPHost = cfg.Addressing.External.TCPHost
	r.ExternalTCPPort = cfg.Addressing.External.TCPPort
	r.ExternalTimeoutMillis = cfg.Addressing.External.TimeoutMillis
	r.ExternalCacheSizeMain = cfg.Addressing.External.CacheSizeMain
	r.ExternalCacheSizeInner = cfg.Addressing.External.CacheSizeInner
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
