package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voicewire/chatapi/pkg/chatapi"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a server from the terminal",
	Long: `Connect to a chat protocol server and run a text conversation.
Each line typed becomes one request; the streamed response is printed as
it arrives. EOF (Ctrl-D) ends the session.`,
	RunE: runChat,
}

var chatURL string

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "", "server WebSocket URL (overrides config)")
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatURL != "" {
		globalConfig.URL = chatURL
	}
	ctx := context.Background()

	tr, err := chatapi.DialWebSocket(ctx, globalConfig.URL, nil)
	if err != nil {
		return err
	}
	cli := chatapi.NewClient(tr)
	defer cli.Close()

	cfg := chatapi.DefaultConfig()
	cfg.InputMode = chatapi.InputModeText
	cfg.SilenceDuration = globalConfig.SilenceDuration
	ready, err := cli.Configure(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	slog.Debug("session open", "chat_id", ready.ChatID)

	// turns signals once per ServerReady: the session accepts the next input.
	turns := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		for evt, err := range cli.Events() {
			if err != nil {
				errc <- err
				return
			}
			switch e := evt.(type) {
			case *chatapi.ServerReady:
				turns <- struct{}{}
			case *chatapi.OutputText:
				fmt.Print(e.Data)
			case *chatapi.OutputEnd:
				fmt.Println()
			}
		}
	}()

	in := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-turns:
		case err, ok := <-errc:
			if ok {
				return err
			}
			return nil
		}

		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := in.Text()
		if line == "" {
			// Nothing to send; reuse the turn.
			turns <- struct{}{}
			continue
		}
		if err := cli.SendText(ctx, line); err != nil {
			return err
		}
		if err := cli.EndInput(ctx); err != nil {
			return err
		}
	}

	if err := cli.EndSession(ctx); err != nil {
		return err
	}
	if err, ok := <-errc; ok && err != nil {
		return err
	}
	return in.Err()
}
