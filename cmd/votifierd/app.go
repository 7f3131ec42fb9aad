package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"govotifier/internal/admin"
	"govotifier/internal/config"
	"govotifier/internal/daemon"
	"govotifier/internal/debuglog"
	"govotifier/internal/forward"
	"govotifier/internal/metrics"
	"govotifier/internal/node"
	"govotifier/internal/vote"
)

const stopTimeout = 15 * time.Second

type homeDir string

type serviceOut struct {
	fx.Out

	Service daemon.Service `group:"services"`
}

type runnerIn struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     config.Config
	Server     *daemon.Server
	Log        *zap.Logger
	Stdout     io.Writer
	Services   []daemon.Service `group:"services"`
}

func runDaemon(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "data directory")
	cfgPath := fs.String("config", "", "config file (default <home>/config.yml)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*home, *cfgPath, stderr)
	if !ok {
		return 1
	}
	if *debug {
		cfg.Debug = true
	}
	debuglog.SetDebug(cfg.Debug)

	app := fx.New(
		fx.Supply(cfg, homeDir(*home)),
		fx.Provide(
			func() io.Writer { return stdout },
			func() zapcore.WriteSyncer { return zapcore.AddSync(stderr) },
			newLogger,
			metrics.New,
			newNode,
			newRelay,
			newSink,
			newServer,
			newVoteService,
			newForwardService,
			newRelayService,
			newAdminService,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Invoke(registerRunner),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	startCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	code := 0
	select {
	case <-ctx.Done():
	case sig := <-app.Wait():
		code = sig.ExitCode
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(stderr, "stop failed: %v\n", err)
		return 1
	}
	return code
}

func newLogger(cfg config.Config, out zapcore.WriteSyncer, lc fx.Lifecycle) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(out), debuglog.Level())
	log := zap.New(core)
	restore := debuglog.SetLogger(log)
	lc.Append(fx.StopHook(func() {
		_ = log.Sync()
		restore()
	}))
	return log
}

func newNode(home homeDir, cfg config.Config, log *zap.Logger) (*node.Node, error) {
	n, err := node.NewNode(string(home), node.Options{
		Tokens:               vote.NewTokenStore(cfg.Tokens),
		DisableLegacy:        cfg.DisableV1Protocol,
		Challenge:            cfg.Challenge,
		DefaultTokenFallback: cfg.DefaultTokenFallback,
		ReplayWindow:         cfg.ReplayWindow.Std(),
		ReplayCacheSize:      cfg.ReplayCacheSize,
		CryptoWorkers:        cfg.CryptoWorkers,
		KeyBits:              cfg.KeyBits,
	})
	if err != nil {
		return nil, err
	}
	if n.Tokens().Len() == 0 {
		log.Warn("no site tokens configured; v2 votes will be rejected")
	}
	return n, nil
}

// newRelay returns nil when no upstreams are configured.
func newRelay(cfg config.Config) (*forward.Relay, error) {
	if len(cfg.Forwarding.Upstreams) == 0 {
		return nil, nil
	}
	secret := []byte(cfg.Forwarding.Secret)
	senders := make([]forward.Sender, 0, len(cfg.Forwarding.Upstreams))
	for _, up := range cfg.Forwarding.Upstreams {
		var (
			s   forward.Sender
			err error
		)
		switch up.Method {
		case config.ForwardQUIC:
			s, err = forward.NewQUICSender(up.Addr, secret, cfg.Forwarding.Channel)
		case config.ForwardWebSocket:
			s, err = forward.NewWebSocketSender(up.Addr, secret, cfg.Forwarding.Channel)
		default:
			err = fmt.Errorf("unknown upstream method %q", up.Method)
		}
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", up.Addr, err)
		}
		senders = append(senders, s)
	}
	return forward.NewRelay(0, senders...), nil
}

func newSink(log *zap.Logger, relay *forward.Relay) daemon.Sink {
	sinks := daemon.MultiSink{daemon.LogSink{Log: log.Named("votes")}}
	if relay != nil {
		sinks = append(sinks, relay)
	}
	return sinks
}

func newServer(n *node.Node, sink daemon.Sink, m *metrics.Metrics, log *zap.Logger, cfg config.Config) (*daemon.Server, error) {
	return daemon.NewServer(n, daemon.Options{
		Sink:             sink,
		Metrics:          m,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		Logger:           log,
	})
}

func newVoteService(cfg config.Config, srv *daemon.Server) serviceOut {
	if !cfg.EnableExternal {
		return serviceOut{}
	}
	return serviceOut{Service: daemon.Service{Name: "votes", Serve: srv.Serve, Stop: srv.Close}}
}

func newForwardService(cfg config.Config, srv *daemon.Server, m *metrics.Metrics, log *zap.Logger) (serviceOut, error) {
	secret := []byte(cfg.Forwarding.Secret)
	switch cfg.Forwarding.Method {
	case config.ForwardQUIC:
		sink, err := forward.NewQUICSink(forward.QUICOptions{
			Addr:    cfg.Forwarding.QUIC.Listen,
			Secret:  secret,
			Channel: cfg.Forwarding.Channel,
			Metrics: m,
		}, srv)
		if err != nil {
			return serviceOut{}, err
		}
		log.Info("forwarding sink enabled", zap.String("method", "quic"), zap.Stringer("addr", sink.Addr()))
		return serviceOut{Service: daemon.Service{Name: "forward-quic", Serve: sink.Serve, Stop: sink.Halt}}, nil
	case config.ForwardWebSocket:
		sink, err := forward.NewWebSocketSink(forward.WebSocketOptions{
			Addr:    cfg.Forwarding.WebSocket.Listen,
			Path:    cfg.Forwarding.WebSocket.Path,
			Secret:  secret,
			Channel: cfg.Forwarding.Channel,
			Metrics: m,
		}, srv)
		if err != nil {
			return serviceOut{}, err
		}
		log.Info("forwarding sink enabled", zap.String("method", "websocket"), zap.Stringer("addr", sink.Addr()))
		return serviceOut{Service: daemon.Service{Name: "forward-websocket", Serve: sink.Serve, Stop: sink.Halt}}, nil
	}
	return serviceOut{}, nil
}

func newRelayService(relay *forward.Relay) serviceOut {
	if relay == nil {
		return serviceOut{}
	}
	return serviceOut{Service: daemon.Service{Name: "relay", Stop: relay.Halt}}
}

func newAdminService(cfg config.Config, srv *daemon.Server, m *metrics.Metrics, log *zap.Logger) (serviceOut, error) {
	if cfg.Admin.Addr == "" {
		return serviceOut{}, nil
	}
	a, err := admin.New(admin.Options{
		Addr:        cfg.Admin.Addr,
		AllowPublic: cfg.Admin.AllowPublic,
		Metrics:     m,
		Health: func() error {
			if cfg.EnableExternal && srv.Addr() == nil {
				return errors.New("vote listener is down")
			}
			return nil
		},
	})
	if err != nil {
		return serviceOut{}, err
	}
	log.Info("admin enabled", zap.String("url", "http://"+a.Addr().String()+"/debug/pprof/"))
	return serviceOut{Service: daemon.Service{Name: "admin", Serve: a.Serve, Stop: a.Close}}, nil
}

func registerRunner(in runnerIn) {
	runner := daemon.NewRunner(in.Log)
	for _, svc := range in.Services {
		if svc.Serve != nil || svc.Stop != nil {
			runner.Add(svc)
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if in.Config.EnableExternal {
				if err := in.Server.Listen(in.Config.ListenAddr()); err != nil {
					cancel()
					return err
				}
				fmt.Fprintf(in.Stdout, "READY addr=%s\n", in.Server.Addr())
			} else {
				fmt.Fprintln(in.Stdout, "READY addr=none")
			}
			go func() {
				err := runner.Run(runCtx)
				done <- err
				if err != nil {
					in.Log.Error("daemon stopped", zap.Error(err))
					_ = in.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
