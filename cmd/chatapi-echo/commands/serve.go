package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/voicewire/chatapi/pkg/chatapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket echo server",
	RunE:  runServe,
}

var (
	serveListen string
	servePath   string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "bind address (overrides config)")
	serveCmd.Flags().StringVar(&servePath, "path", "", "WebSocket endpoint path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		globalConfig.Listen = serveListen
	}
	if servePath != "" {
		globalConfig.Path = servePath
	}
	mux := http.NewServeMux()
	mux.HandleFunc(globalConfig.Path, func(w http.ResponseWriter, r *http.Request) {
		tr, err := chatapi.UpgradeWebSocket(w, r)
		if err != nil {
			slog.Error("upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		slog.Info("session opened", "remote", r.RemoteAddr)
		srv := chatapi.NewServer(tr)
		echoSession(r.Context(), srv)
		slog.Info("session closed", "remote", r.RemoteAddr)
	})

	slog.Info("listening", "addr", globalConfig.Listen, "path", globalConfig.Path)
	return http.ListenAndServe(globalConfig.Listen, mux)
}

// echoSession serves one session: every request is answered by echoing the
// input back as one streamed text content.
func echoSession(ctx context.Context, srv *chatapi.Server) {
	defer srv.Close()

	var text strings.Builder
	audioBytes := 0

	for evt, err := range srv.Events() {
		if err != nil {
			slog.Warn("session error", "err", err)
			return
		}
		switch e := evt.(type) {
		case *chatapi.Config:
			slog.Debug("configured", "input_mode", e.InputMode.String(),
				"silence_duration", e.SilenceDuration)
			if _, err := srv.Ready(ctx, uuid.Nil, uuid.Nil); err != nil {
				slog.Warn("ready failed", "err", err)
				return
			}

		case *chatapi.InputText:
			text.WriteString(e.Data)

		case *chatapi.InputMedia:
			audioBytes += len(e.Data)

		case *chatapi.InputEnd:
			if err := respond(ctx, srv, text.String(), audioBytes); err != nil {
				slog.Warn("respond failed", "err", err)
				return
			}
			text.Reset()
			audioBytes = 0
			if _, err := srv.Ready(ctx, uuid.Nil, uuid.Nil); err != nil {
				slog.Warn("ready failed", "err", err)
				return
			}

		case *chatapi.Interrupt:
			slog.Debug("interrupted", "type", e.InterruptType.String())
			text.Reset()
			audioBytes = 0
			if _, err := srv.Ready(ctx, uuid.Nil, uuid.Nil); err != nil {
				slog.Warn("ready failed", "err", err)
				return
			}

		case *chatapi.SessionEnd:
			return
		}
	}
}

func respond(ctx context.Context, srv *chatapi.Server, text string, audioBytes int) error {
	reply := "echo: " + text
	if srv.Config().InputMode == chatapi.InputModeAudio {
		reply = fmt.Sprintf("echo: received %d bytes of audio", audioBytes)
		transcription, _ := json.Marshal(map[string]string{"text": reply})
		if err := srv.Transcription(ctx, transcription); err != nil {
			return err
		}
	}

	stage, err := srv.Stage(ctx, "echo", "echoing the input back", nil)
	if err != nil {
		return err
	}
	stream, err := srv.TextStream(ctx, stage)
	if err != nil {
		return err
	}
	// Stream in small pieces to exercise fragment handling on the client.
	for len(reply) > 0 {
		n := min(8, len(reply))
		if err := stream.Send(ctx, reply[:n]); err != nil {
			return err
		}
		reply = reply[n:]
	}
	if err := stream.Close(ctx); err != nil {
		return err
	}
	return srv.EndOutput(ctx)
}
