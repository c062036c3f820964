package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callbridge/internal/ari"
	"github.com/sebas/callbridge/internal/audiosocket"
	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/config"
	"github.com/sebas/callbridge/internal/logger"
	"github.com/sebas/callbridge/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	banner.Print("CALL BRIDGE", []banner.ConfigLine{
		{Label: "ARI Host", Value: cfg.ARIHost},
		{Label: "Stasis App", Value: cfg.StasisAppName},
		{Label: "External Host", Value: cfg.ExternalHost},
		{Label: "AudioSocket Listen", Value: fmt.Sprintf("%s:%d", cfg.AudioSocketHost, cfg.AudioSocketPort)},
		{Label: "Realtime Model", Value: cfg.RealtimeModel},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ariClient := ari.NewClient(cfg.ARIHost, cfg.ARIUser, cfg.ARIPass, time.Duration(cfg.ARITimeoutSecs)*time.Second)
	store := call.NewMemStore()
	registry := call.NewConnRegistry()

	asServer := audiosocket.NewServer(cfg.AudioSocketHost, cfg.AudioSocketPort, cfg.ReaderBytesLimit)

	orchestrator := call.NewOrchestrator(call.Deps{
		ARI:               ariClient,
		Store:             store,
		Registry:          registry,
		EventsURL:         ariClient.WSURL(cfg.StasisAppName),
		AppName:           cfg.StasisAppName,
		SIPEndpointFormat: "PJSIP/%s@" + cfg.SIPHost,
		ExternalHost:      cfg.ExternalHost,
		AudioFormat:       cfg.OutputFormat,
		InputFormat:       cfg.InputFormat,
		TelephonyRate:     cfg.DefaultSampleRate,
		RealtimeRate:      cfg.RealtimeOutputRate,
		FrameBytes:        cfg.DrainChunkSize,
		OutputFormat:      cfg.OutputFormat,
		InterruptPause:    time.Duration(cfg.InterruptPauseMs) * time.Millisecond,
		WaitStasisTimeout: 30 * time.Second,
		Realtime: realtime.Config{
			URL:          cfg.RealtimeURL,
			Model:        cfg.RealtimeModel,
			APIKey:       cfg.OpenAIAPIKey,
			Voice:        cfg.Voice,
			SystemPrompt: cfg.SystemPrompt,
			Temperature:  cfg.Temperature,
			InputFormat:  cfg.InputFormat,
			// Realtime always emits linear PCM regardless of INPUT_FORMAT; the
			// egress pipeline converts it to cfg.OutputFormat for AudioSocket.
			OutputFormat: "pcm16",
			VADThreshold: cfg.VADThreshold,
			VADSilenceMs: cfg.VADSilenceMs,
			VADPrefixMs:  cfg.VADPrefixMs,
		},
	})

	go func() {
		if err := asServer.ListenAndServe(ctx, func(connCtx context.Context, conn *audiosocket.Conn) {
			registry.Deliver(conn.UUID(), conn)
			<-connCtx.Done()
		}); err != nil {
			slog.Error("[CallBridge] AudioSocket server stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		phone := r.URL.Query().Get("phone")
		if phone == "" {
			http.Error(w, "missing phone query parameter", http.StatusBadRequest)
			return
		}
		c, err := orchestrator.Place(ctx, phone)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"uuid":%q,"state":%q}`, c.UUID(), c.State())
	})

	httpSrv := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[CallBridge] HTTP server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("[CallBridge] received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	cancel()
	slog.Info("[CallBridge] stopped")
}
