// Command dashprobe measures the throughput and RTT of a DASH video server's
// TCP connections with an eBPF probe and streams smoothed readings to
// WebSocket listeners.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/OriD-19/dashprobe/internal/agent"
	"github.com/OriD-19/dashprobe/internal/config"
	"github.com/OriD-19/dashprobe/internal/logging"
	"github.com/OriD-19/dashprobe/internal/probe"
)

func main() {
	cfg := config.Default()

	// -config has to be applied before the other flags so they override it
	if path := configPath(os.Args[1:]); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			logrus.Fatal(err)
		}
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.String("config", "", "YAML configuration file")
	cfg.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		logrus.Fatal(err)
	}
	log, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatal(err)
	}

	p, err := probe.Load(probe.Options{
		ObjectPath: cfg.ObjectPath,
		TargetPort: cfg.TargetPort,
		Direction:  probe.Direction(cfg.Direction),
		Logger:     log,
	})
	if err != nil {
		log.WithError(err).Fatal("loading probe")
	}
	defer p.Close()

	a, err := agent.New(cfg, p, log)
	if err != nil {
		log.WithError(err).Fatal("creating agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("agent failed")
		p.Close()
		os.Exit(1)
	}
}

// configPath finds the value of -config without parsing the other flags.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
