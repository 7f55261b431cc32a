// Command oltpollerd runs the OLT/ONU poller coordinator: the scheduler,
// dispatcher, poller pool, durable device queue, completion callback,
// delivery watchdog, and control surface described by the core package.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vpbank/oltpoller/models"
	"github.com/vpbank/oltpoller/pkg/snmpcollector/config"
	"github.com/vpbank/oltpoller/pkg/snmpcollector/core"
	"github.com/vpbank/oltpoller/pkg/snmpcollector/poller"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		logLevel   = flag.String("log.level", "info", "log level: debug, info, warn, error")
		logFmt     = flag.String("log.fmt", "json", "log format: json or text")
		poolSize   = flag.Int("pool.size", 10, "fixed number of poller slots")
		fanout     = flag.Int("poller.fanout_workers", 100, "inner worker-pool size for fanning a probe's object defs across ONUs")
		queueSoft  = flag.Int("queue.soft_threshold", 100, "per-device pending-queue soft threshold before OVERLOAD")
		controlAddr = flag.String("control.addr", ":8090", "HTTP control surface listen address")
		runRateLimit = flag.Float64("control.run_rate_limit", 10, "requests/sec allowed on POST /pollers/nodes/{id}/run")
		drainTimeout = flag.Duration("shutdown.drain_timeout", 60*time.Second, "max time to wait for in-flight composites on shutdown")

		postgresDSN = flag.String("postgres.dsn", os.Getenv("OLTPOLLER_POSTGRES_DSN"), "Postgres connection string")
		redisAddr   = flag.String("redis.addr", envOr("OLTPOLLER_REDIS_ADDR", "127.0.0.1:6379"), "Redis address")
		redisDB     = flag.Int("redis.db", 0, "Redis database index")

		snmpPoolMaxIdle    = flag.Int("snmp.pool.max_idle_per_device", 2, "max idle gosnmp sessions kept per device")
		snmpPoolIdleTimeout = flag.Duration("snmp.pool.idle_timeout", 5*time.Minute, "idle gosnmp session eviction timeout")

		collectorID         = flag.String("telemetry.collector_id", envOr("OLTPOLLER_COLLECTOR_ID", hostnameOr("oltpollerd")), "collector id written into every outgoing metric's metadata")
		enumEnabled         = flag.Bool("telemetry.enum_enable", true, "resolve enum/bitmap/OID integer values to text labels")
		counterDeltaEnabled = flag.Bool("telemetry.counter_delta_enable", true, "replace Counter32/Counter64 values with their per-interval delta")
		prettyPrint         = flag.Bool("telemetry.pretty_print", false, "indent outgoing JSON metric/trap payloads")
		metricOutputPath    = flag.String("telemetry.metric_output_path", "", "file to write poll-metric JSON to (default stdout)")
		trapOutputPath      = flag.String("telemetry.trap_output_path", "", "file to write trap-event JSON to (default stderr)")
		outputMaxBytes      = flag.Int64("telemetry.output_max_bytes", 0, "rotate metric/trap output files after this many bytes (0 disables rotation)")
		outputMaxBackups    = flag.Int("telemetry.output_max_backups", 5, "rotated metric/trap output files to keep")

		trapEnabled    = flag.Bool("trap.enable", false, "start the UDP SNMP trap receiver")
		trapListenAddr = flag.String("trap.listen_addr", "0.0.0.0:162", "UDP address the trap receiver binds to")
		trapCommunity  = flag.String("trap.community", "", "SNMP v1/v2c community string accepted by the trap receiver (empty accepts all)")
	)
	flag.Parse()

	logger := buildLogger(*logLevel, *logFmt)

	if *postgresDSN == "" {
		logger.Error("missing required flag/env", "flag", "-postgres.dsn")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := config.PathsFromEnv()
	applyPathOverrides(&paths)
	loaded, err := config.Load(paths, logger)
	if err != nil {
		logger.Error("config load failed", "error", err.Error())
		return 1
	}

	connPool := poller.NewConnectionPool(poller.PoolOptions{
		MaxIdlePerDevice: *snmpPoolMaxIdle,
		IdleTimeout:      *snmpPoolIdleTimeout,
	}, logger)

	reg := prometheus.NewRegistry()

	cfg := core.Config{
		PoolSize:             *poolSize,
		QueueSoftThreshold:   *queueSoft,
		FanoutWorkers:        *fanout,
		PostgresDSN:          *postgresDSN,
		RedisAddr:            *redisAddr,
		RedisDB:              *redisDB,
		ControlAddr:          *controlAddr,
		RunRateLimitPerSec:   *runRateLimit,
		ShutdownDrainTimeout: *drainTimeout,

		CollectorID:         *collectorID,
		EnumEnabled:         *enumEnabled,
		CounterDeltaEnabled: *counterDeltaEnabled,
		PrettyPrint:         *prettyPrint,
		MetricOutputPath:    *metricOutputPath,
		TrapOutputPath:      *trapOutputPath,
		OutputMaxBytes:      *outputMaxBytes,
		OutputMaxBackups:    *outputMaxBackups,

		TrapEnabled:    *trapEnabled,
		TrapListenAddr: *trapListenAddr,
		TrapCommunity:  *trapCommunity,
	}
	if u, err := url.Parse(*redisAddr); err == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok {
			cfg.RedisPassword = pw
		}
	}

	persistence, err := core.NewPostgresPersistence(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err.Error())
		return 2
	}
	bindings, err := buildBindings(ctx, persistence, loaded)
	persistence.Close() // Coordinator opens its own pool; this was only to resolve bindings.
	if err != nil {
		logger.Error("build node bindings failed", "error", err.Error())
		return 2
	}

	coordinator, err := core.NewCoordinator(ctx, cfg, connPool, bindings, loaded.Enums, reg, logger)
	if err != nil {
		logger.Error("coordinator init failed", "error", err.Error())
		return 2
	}

	coordinator.Start(ctx)
	logger.Info("oltpollerd running", "control_addr", *controlAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout+10*time.Second)
	defer cancel()
	coordinator.Stop(shutdownCtx)

	logger.Info("oltpollerd stopped cleanly")
	return 0
}

// buildBindings joins the persisted probe-node rows against the YAML
// MIB/object tree to produce the core.NodeBinding every ProbeNode needs for
// execution (spec §6 execute_probe). Discovery nodes bind to the object
// defs carrying a DiscoveryAttribute; get nodes bind to the rest.
func buildBindings(ctx context.Context, persistence *core.PostgresPersistence, loaded *config.LoadedConfig) (map[string]core.NodeBinding, error) {
	masters, err := persistence.LoadEnabledMasters(ctx, time.Now().Add(365*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load masters for binding: %w", err)
	}

	bindings := make(map[string]core.NodeBinding)
	for _, m := range masters {
		device, err := persistence.LoadDevice(ctx, m.DeviceID)
		if err != nil {
			continue // configuration error: skip this node, per spec §7
		}
		devCfg, ok := loaded.Devices[device.Hostname]
		if !ok {
			continue
		}
		bindings[m.ID] = nodeBindingFor(device, devCfg, loaded, m.Kind)

		followers, err := persistence.LoadFollowers(ctx, m.ID)
		if err != nil {
			continue
		}
		for _, f := range followers {
			bindings[f.ID] = nodeBindingFor(device, devCfg, loaded, f.Kind)
		}
	}
	return bindings, nil
}

func nodeBindingFor(device core.Device, devCfg config.DeviceConfig, loaded *config.LoadedConfig, kind core.ProbeKind) core.NodeBinding {
	var defs []models.ObjectDefinition
	for _, groupName := range devCfg.DeviceGroups {
		group, ok := loaded.DeviceGroups[groupName]
		if !ok {
			continue
		}
		for _, objGroupName := range group.ObjectGroups {
			objGroup, ok := loaded.ObjectGroups[objGroupName]
			if !ok {
				continue
			}
			for _, key := range objGroup.Objects {
				def, ok := loaded.ObjectDefs[key]
				if !ok {
					continue
				}
				isDiscovery := def.DiscoveryAttribute != ""
				if (kind == core.ProbeDiscovery) == isDiscovery {
					defs = append(defs, def)
				}
			}
		}
	}
	return core.NodeBinding{
		Hostname:     device.Hostname,
		DeviceConfig: devCfg,
		Device:       models.Device{Hostname: device.Hostname, IPAddress: devCfg.IP, SNMPVersion: devCfg.Version},
		ObjectDefs:   defs,
	}
}

func buildLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func applyPathOverrides(paths *config.Paths) {
	if v := flag.Lookup("config.devices"); v != nil && v.Value.String() != "" {
		paths.Devices = v.Value.String()
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// hostnameOr returns the OS hostname, falling back to def when it cannot be
// determined — used as the default collector id.
func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return def
	}
	return h
}
