package commands

import (
	"log/slog"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
)

// cmdlineOverrides holds the handful of hot config fields nat64ctl
// translate accepts as flag overrides, layered on top of the config file
// after it is loaded, mirroring the reference implementation's
// override-after-file-load order.
type cmdlineOverrides struct {
	workers int
	mtu4    int
	mtu6    int
}

func loadAndResolve(path string, ov cmdlineOverrides) (*config.Resolved, error) {
	_, r, err := loadAndResolveFull(path, ov)
	return r, err
}

// loadAndResolveFull additionally returns the raw *config.Config so
// callers that need the ambient Log/Metrics sections (not carried by
// config.Resolved, since they have no translation semantics) don't have
// to load the file twice.
func loadAndResolveFull(path string, ov cmdlineOverrides) (*config.Config, *config.Resolved, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if ov.workers > 0 {
		cfg.Workers = ov.workers
	}
	if ov.mtu4 > 0 {
		cfg.MTU.Outbound4 = ov.mtu4
	}
	if ov.mtu6 > 0 {
		cfg.MTU.Outbound6 = ov.mtu6
	}

	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, r, nil
}

// logEffectiveConfig writes the resolved, effective configuration to the
// log at Info level, field by field, matching the teacher's startup
// banner (there are no secrets in this config to redact).
func logEffectiveConfig(logger *slog.Logger, r *config.Resolved) {
	logger.Info("effective configuration",
		slog.String("mode", r.Mode.String()),
		slog.String("translator_ipv4", r.TranslatorIPv4.String()),
		slog.String("translator_ipv6", r.TranslatorIPv6.String()),
		slog.String("prefix", r.Prefix.String()),
		slog.Bool("allow_translation_of_private_ips", r.AllowPrivate),
		slog.String("router_ipv4", r.RouterIPv4.String()),
		slog.String("router_ipv6", r.RouterIPv6.String()),
		slog.Int("router_ttl", int(r.RouterTTL)),
		slog.Int("outbound_mtu4", r.OutboundMTU4),
		slog.Int("outbound_mtu6", r.OutboundMTU6),
		slog.Bool("copy_6to4_tos", r.Copy6To4TOS),
		slog.Bool("copy_4to6_tos", r.Copy4To6TOS),
		slog.Int("workers", r.Workers),
		slog.Bool("device_multi_queue", r.DeviceMultiQueue),
	)
	if r.Mode == config.ModeExternal {
		logger.Info("external address mapper configuration",
			slog.String("transport", r.ExternalTransport.String()),
			slog.String("unix_path", r.ExternalUnixPath),
			slog.String("tcp_host", r.ExternalTCPHost),
			slog.Int("tcp_port", r.ExternalTCPPort),
			slog.Int("timeout_ms", r.ExternalTimeoutMillis),
			slog.Int("cache_size_main", r.ExternalCacheSizeMain),
			slog.Int("cache_size_inner", r.ExternalCacheSizeInner),
		)
	}
}
