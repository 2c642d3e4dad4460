// Command chat is a terminal client for the prompt gateway. It streams the
// response as it arrives, then reprints the reconstructed display text once
// the stream completes.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/promptgate/promptgate/internal/client"
	"github.com/promptgate/promptgate/internal/reconstruct"
)

func main() {
	var (
		gatewayURL string
		model      string
		debug      bool
	)
	flag.StringVar(&gatewayURL, "gateway", "http://localhost:8787", "gateway base URL")
	flag.StringVar(&model, "model", "gemini-2.0-flash", "model to prompt")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	conv := client.NewConversation()
	done := make(chan struct{}, 1)

	consumer := client.NewConsumer(gatewayURL, conv, client.Handlers{
		OnChunk: func(text string) { fmt.Print(text) },
		OnDone:  func() { done <- struct{}{} },
		OnError: func(msg string) {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", msg)
			done <- struct{}{}
		},
		OnCancelled: func(reason string) {
			fmt.Fprintf(os.Stderr, "\n(%s)\n", reason)
			done <- struct{}{}
		},
	})

	// Ctrl-C during a stream cancels it instead of killing the client.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if consumer.State() == client.StateStreaming {
				consumer.Cancel()
				continue
			}
			fmt.Println()
			os.Exit(0)
		}
	}()

	fmt.Printf("model: %s | type a prompt, /clear to reset history, /quit to exit\n", model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return
		case line == "/clear":
			conv.Clear()
			fmt.Println("history cleared")
			continue
		}

		if err := consumer.Submit(context.Background(), line, model); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		<-done

		if consumer.State() == client.StateCompleted {
			display := reconstruct.Display(consumer.Buffer())
			fmt.Printf("\n\n--- response ---\n%s\n", display)
		} else if partial := consumer.Buffer(); partial != "" {
			fmt.Printf("\n\n--- partial response ---\n%s\n", reconstruct.Display(partial))
		}
	}
}
