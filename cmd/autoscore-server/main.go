package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmall00/opendarts-autoscore/internal/autoscore"
	"github.com/dmall00/opendarts-autoscore/internal/broadcast"
	"github.com/dmall00/opendarts-autoscore/internal/config"
	"github.com/dmall00/opendarts-autoscore/internal/emitter"
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/internal/pipeline"
	"github.com/dmall00/opendarts-autoscore/internal/recorder"
	"github.com/dmall00/opendarts-autoscore/internal/server"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/internal/webrtc"
)

var (
	// Command-line flags. Set flags win over the config file and environment.
	configPath  = flag.String("config", "", "TOML config file (optional)")
	httpAddr    = flag.String("http", "", "HTTP API address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address")
	pipelineURL = flag.String("pipeline", "", "Vision pipeline websocket URL")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker URL")
	recordPath  = flag.String("record-path", "", "Recording output path")
	maxClients  = flag.Int("max-clients", 0, "Maximum WebRTC clients")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// App wires the autoscore core to its transports.
type App struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	engine     *autoscore.Engine
	events     *broadcast.EventBroadcaster
	webrtc     *webrtc.Server
	recorder   *recorder.Recorder
	mqtt       *emitter.MQTTEmitter
	pipeline   *pipeline.Client
	httpServer *http.Server
	log        logger.Module
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := applyFlags(&cfg); err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}

	logger.Init(cfg.LogLevel, os.Stderr, cfg.LogColor)
	logger.Info("Main", "Autoscore server starting...")
	logger.Info("Main", "Log level: %s", cfg.LogLevel)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cfg *config.Config) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "pipeline":
			cfg.Pipeline.URL = *pipelineURL
		case "mqtt":
			cfg.MQTT.Broker = *mqttBroker
		case "record-path":
			cfg.Recorder.Path = *recordPath
		case "max-clients":
			cfg.WebRTC.MaxClients = *maxClients
		case "log-color":
			cfg.LogColor = *logColor
		case "log-level":
			if setErr := cfg.LogLevel.Set(*logLevel); setErr != nil {
				err = setErr
			}
		}
	})
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// NewApp builds every component from cfg without starting anything.
func NewApp(cfg config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	events := broadcast.NewEventBroadcaster(m)

	sinks := autoscore.MultiSink{events}
	var mqttEmitter *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mqttEmitter = emitter.NewMQTTEmitter(cfg.MQTT, m)
		sinks = append(sinks, mqttEmitter)
	}

	engine := autoscore.NewEngine(session.NewStore(0), sinks, cfg.Thresholds, m)
	rec := recorder.NewRecorder(cfg.Recorder.Path, m)
	ingestor := pipeline.NewIngestor(engine, rec, m)

	webrtcSrv := webrtc.NewServer(webrtc.Options{
		STUNServers: cfg.WebRTC.STUNServers,
		MaxClients:  cfg.WebRTC.MaxClients,
	}, events, engine, m)

	var pipelineClient *pipeline.Client
	if cfg.Pipeline.URL != "" {
		pipelineClient = pipeline.NewClient(pipeline.ClientOptions{
			URL:          cfg.Pipeline.URL,
			ReconnectMin: cfg.Pipeline.ReconnectMin,
			ReconnectMax: cfg.Pipeline.ReconnectMax,
			ReadTimeout:  cfg.Pipeline.ReadTimeout,
		}, ingestor, m)
	}

	api := server.New(server.Deps{
		Engine:   engine,
		Ingestor: ingestor,
		Events:   events,
		WebRTC:   webrtcSrv,
		Recorder: rec,
		MQTT:     mqttEmitter,
		Metrics:  m,
	})

	// SSE streams end when the HTTP server shuts down.
	httpCtx, httpCancel := context.WithCancel(ctx)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return httpCtx },
	}
	httpServer.RegisterOnShutdown(httpCancel)

	return &App{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		metrics:    m,
		engine:     engine,
		events:     events,
		webrtc:     webrtcSrv,
		recorder:   rec,
		mqtt:       mqttEmitter,
		pipeline:   pipelineClient,
		httpServer: httpServer,
		log:        logger.For("Main"),
	}, nil
}

// Start starts all server components
func (a *App) Start() error {
	a.log.Info("Starting autoscore server...")
	a.log.Info("  HTTP server: %s", a.cfg.HTTPAddr)
	a.log.Info("  Metrics server: %s", a.cfg.MetricsAddr)
	a.log.Info("  Pipeline: %s", orOff(a.cfg.Pipeline.URL))
	a.log.Info("  MQTT broker: %s", orOff(a.cfg.MQTT.Broker))
	a.log.Info("  Recording path: %s", a.cfg.Recorder.Path)

	if a.cfg.PprofAddr != "" {
		go func() {
			a.log.Info("Starting pprof server on %s", a.cfg.PprofAddr)
			if err := http.ListenAndServe(a.cfg.PprofAddr, nil); err != nil {
				a.log.Warn("pprof server error: %v", err)
			}
		}()
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			a.log.Info("Starting metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				a.log.Warn("Metrics server error: %v", err)
			}
		}()
	}

	if a.cfg.Recorder.AutoStart {
		if _, err := a.recorder.Start(""); err != nil {
			return err
		}
	}

	if a.mqtt != nil {
		if err := a.mqtt.Connect(); err != nil {
			a.log.Warn("MQTT connect failed, will keep retrying: %v", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.mqtt.Run(a.ctx)
		}()
	}

	if a.pipeline != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.pipeline.Run(a.ctx); err != nil {
				a.log.Error("Pipeline client stopped: %v", err)
			}
		}()
	}

	if *configPath != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := config.Watch(a.ctx, *configPath, func(cfg config.Config) {
				if cfg.LogLevel != logger.GetLevel() {
					logger.SetLevel(cfg.LogLevel)
					a.log.Info("Log level changed to %s", cfg.LogLevel)
				}
			})
			if err != nil {
				a.log.Warn("Config watcher stopped: %v", err)
			}
		}()
	}

	go func() {
		a.log.Info("Starting HTTP server on %s", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server error: %v", err)
		}
	}()

	a.log.Info("Server started successfully")
	return nil
}

// Shutdown gracefully shuts down the server
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.httpServer.Shutdown(ctx)

	// Stops the pipeline client, the watcher and the MQTT loop (after its flush).
	a.cancel()
	a.wg.Wait()

	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	a.webrtc.Close()
	if rerr := a.recorder.Close(); rerr != nil {
		a.log.Warn("Recorder close: %v", rerr)
	}
	return err
}

func orOff(s string) string {
	if s == "" {
		return "(off)"
	}
	return s
}
