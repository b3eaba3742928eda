// Chatapi echo tool.
//
// Usage:
//
//	chatapi-echo [flags] <command>
//
// Commands:
//
//	serve - run a WebSocket echo server speaking the chat protocol
//	chat  - connect to a server and chat from the terminal
package main

import (
	"fmt"
	"os"

	"github.com/voicewire/chatapi/cmd/chatapi-echo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
