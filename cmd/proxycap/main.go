// Command proxycap runs an intercepting HTTP/HTTPS proxy with HAR capture.
//
// Example:
//
//	proxycap -addr :8080 -har capture.har -latency 200ms -v
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxycap/proxycap"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "proxy listen address")
		harPath     = flag.String("har", "", "write a HAR archive to this file on shutdown")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
		upstream    = flag.String("upstream", "", "chain through another HTTP proxy (host:port)")
		latency     = flag.Duration("latency", 0, "artificial latency added per exchange")
		readBPS     = flag.Int64("read-bps", 0, "downstream bandwidth cap in bytes/sec (0 = unlimited)")
		writeBPS    = flag.Int64("write-bps", 0, "upstream bandwidth cap in bytes/sec (0 = unlimited)")
		retries     = flag.Int("retries", 0, "connection retry count")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	opt := proxycap.DefaultOptions()
	opt.Logger = &zerologAdapter{l: zl}

	p := proxycap.New(opt)
	if *upstream != "" {
		p.SetChainedProxy(*upstream)
	}
	if *latency > 0 {
		p.SetLatency(*latency)
	}
	if *readBPS > 0 {
		p.SetReadBandwidthLimit(*readBPS)
	}
	if *writeBPS > 0 {
		p.SetWriteBandwidthLimit(*writeBPS)
	}
	if *retries > 0 {
		p.SetRetryCount(*retries)
	}
	if *harPath != "" {
		p.NewHar()
	}

	if err := p.Start(*addr); err != nil {
		zl.Fatal().Err(err).Msg("cannot start proxy")
	}
	zl.Info().Int("port", p.Port()).Msg("proxy listening")

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", p.MetricsHandler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				zl.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		zl.Info().Str("addr", *metricsAddr).Msg("metrics server listening")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	zl.Info().Msg("shutting down")

	if err := p.Stop(); err != nil {
		zl.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}

	if *harPath != "" {
		if err := writeHar(p, *harPath); err != nil {
			zl.Error().Err(err).Str("path", *harPath).Msg("cannot write HAR file")
			os.Exit(1)
		}
		zl.Info().Str("path", *harPath).Msg("HAR archive written")
	}
}

func writeHar(p *proxycap.Proxy, path string) error {
	archive := p.EndHar()
	if archive == nil {
		return fmt.Errorf("no HAR data captured")
	}
	archive.SortEntries()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(archive)
}

// zerologAdapter bridges the proxy's leveled logger onto zerolog.
type zerologAdapter struct {
	l zerolog.Logger
}

func (a *zerologAdapter) Errorf(sessionID int64, format string, values ...any) {
	a.l.Error().Int64("session", sessionID).Msgf(format, values...)
}

func (a *zerologAdapter) Warnf(sessionID int64, format string, values ...any) {
	a.l.Warn().Int64("session", sessionID).Msgf(format, values...)
}

func (a *zerologAdapter) Infof(sessionID int64, format string, values ...any) {
	a.l.Info().Int64("session", sessionID).Msgf(format, values...)
}

func (a *zerologAdapter) Debugf(sessionID int64, format string, values ...any) {
	a.l.Debug().Int64("session", sessionID).Msgf(format, values...)
}
