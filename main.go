package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ellproxy/ellproxy-core/internal/bridge"
	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/ellproxy/ellproxy-core/internal/config"
	"github.com/ellproxy/ellproxy-core/internal/gateway"
	"github.com/ellproxy/ellproxy-core/internal/notifier"
	"github.com/ellproxy/ellproxy-core/internal/reasoningcache"
	"github.com/ellproxy/ellproxy-core/internal/telemetry"
	"github.com/ellproxy/ellproxy-core/internal/thinking"
	"github.com/ellproxy/ellproxy-core/internal/upstream"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ellproxy-core",
		Short:   "Local gateway translating between OpenAI and Anthropic chat dialects",
		Version: version,
	}

	rootCmd.AddCommand(startCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// --- start command ---

func startCmd() *cobra.Command {
	var (
		listenAddr   string
		upstreamAddr string
		catalogDir   string
		overlayDir   string
		prefsFile    string
		traceDir     string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(verbose)
			slog.Info("ellproxy-core v" + version)

			prefs, err := config.Load(prefsFile)
			if err != nil {
				slog.Warn("failed to load preferences, using defaults", "error", err)
				prefs = config.Get()
			}

			entries, err := catalog.LoadEntries(catalogDir, overlayDir)
			if err != nil {
				return fmt.Errorf("failed to load model catalog: %w", err)
			}
			slog.Info("loaded model catalog", "entries", len(entries))

			sink := notifier.Slog{}
			cat := catalog.New(entries, sink)
			applyPreferences(cat, prefs)

			stopWatch, err := catalog.WatchOverlay(overlayDir, func() {
				reloaded, err := catalog.LoadEntries(catalogDir, overlayDir)
				if err != nil {
					slog.Warn("failed to reload catalog overlay", "error", err)
					return
				}
				cat.ReplaceEntries(reloaded)
				slog.Info("catalog overlay reloaded", "entries", len(reloaded))
			})
			if err != nil {
				slog.Warn("catalog overlay watch disabled", "error", err)
			} else {
				defer stopWatch()
			}

			cache := reasoningcache.New(reasoningcache.DefaultCapacity)
			shaper := thinking.New(cat, sink)
			br := bridge.New(cat, cache)
			dispatcher := upstream.New(upstreamAddr, cat, sink)
			dispatcher.Client.Transport = proxyAwareTransport()
			store := telemetry.NewStore()
			if traceDir != "" {
				if err := store.EnableFileTrace(traceDir); err != nil {
					slog.Warn("request trace file disabled", "error", err)
				} else {
					defer store.CloseFileTrace()
				}
			}

			gw := gateway.New(cat, cache, shaper, br, dispatcher, store)

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				slog.Info("shutting down...")
				cancel()
			}()

			fmt.Printf("\n  ellproxy-core listening on http://%s\n", addrOrDefault(listenAddr))
			fmt.Printf("  forwarding to upstream at http://%s\n\n", upstreamAddr)

			return gateway.ListenAndServe(ctx, listenAddr, gw)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", gateway.DefaultListenAddr, "address to listen on")
	cmd.Flags().StringVarP(&upstreamAddr, "upstream", "u", upstream.DefaultAddr, "upstream address")
	cmd.Flags().StringVar(&catalogDir, "catalog-dir", "./models", "bundled model catalog directory")
	cmd.Flags().StringVar(&overlayDir, "overlay-dir", "./discovered-models", "discovered-models overlay directory")
	cmd.Flags().StringVar(&prefsFile, "preferences", "./preferences.json", "routing preferences file")
	cmd.Flags().StringVar(&traceDir, "trace-dir", "", "directory to mirror per-request telemetry as JSON-lines files (disabled if empty)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	return cmd
}

func addrOrDefault(addr string) string {
	if addr == "" {
		return gateway.DefaultListenAddr
	}
	return addr
}

// applyPreferences seeds a freshly-loaded catalog with the persisted
// scalar preferences. Invalid keys are logged and skipped rather than
// failing startup — a stale preference shouldn't stop the gateway from
// coming up.
func applyPreferences(cat *catalog.Catalog, prefs *config.Preferences) {
	cat.SetRoutingEnabled(prefs.RoutingEnabled)
	cat.SetNotifyOnRouting(prefs.NotifyOnRouting)
	if level := catalog.ReasoningLevel(prefs.ReasoningLevel); level != "" {
		cat.SetReasoningLevel(level)
	}

	setKey := func(key string, set func(catalog.ModelKey) error) {
		if key == "" {
			return
		}
		if err := set(catalog.ModelKey(key)); err != nil {
			slog.Warn("ignoring invalid preference key", "key", key, "error", err)
		}
	}
	setKey(prefs.DefaultModelKey, cat.SetDefaultModelKey)
	setKey(prefs.FallbackModelKey, cat.SetFallbackModelKey)
	setKey(prefs.DefaultThinkingModelKey, cat.SetDefaultThinkingModelKey)
	setKey(prefs.FallbackThinkingModelKey, cat.SetFallbackThinkingModelKey)
}

// proxyAwareTransport builds the outbound transport the upstream
// dispatcher sends requests with, honoring the usual proxy env vars
// for deployments that front the local model backend with one.
func proxyAwareTransport() *http.Transport {
	t := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
		DisableKeepAlives: true,
	}

	for _, v := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy"} {
		if val := os.Getenv(v); val != "" {
			slog.Info(fmt.Sprintf("proxy: %s=%s", v, val))
		}
	}
	return t
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(&cleanHandler{level: level}))
}

// cleanHandler prints "HH:MM:SS message key=val ..." without the
// noisy level prefix.
type cleanHandler struct {
	level slog.Level
}

func (h *cleanHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *cleanHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format("15:04:05")
	var b strings.Builder
	b.WriteString(ts)
	b.WriteByte(' ')
	b.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", a.Value.Any()))
		return true
	})

	fmt.Fprintln(os.Stderr, b.String())
	return nil
}

func (h *cleanHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *cleanHandler) WithGroup(name string) slog.Handler       { return h }
