// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/zhaopengme/mobclaw/pkg/bot"
	"github.com/zhaopengme/mobclaw/pkg/config"
	"github.com/zhaopengme/mobclaw/pkg/logger"
	"github.com/zhaopengme/mobclaw/pkg/message"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

// consoleSender prints outbound traffic instead of talking to Signal, so
// handlers can be exercised without a registered account.
type consoleSender struct {
	start time.Time
}

func (c *consoleSender) SendMessage(body string, opts signal.SendOpts) (*signal.Future, error) {
	target := opts.Recipient
	if opts.Group != "" {
		target = "group " + opts.Group
	}
	if opts.Content != "" {
		fmt.Printf("-> %s [content] %s\n", target, opts.Content)
	} else {
		fmt.Printf("-> %s: %s\n", target, body)
	}
	return signal.ResolvedFuture(&message.Message{
		Kind: message.KindResult, Timestamp: time.Now().UnixMilli(),
	}), nil
}

func (c *consoleSender) SendReaction(target *message.Message, emoji string) (*signal.Future, error) {
	fmt.Printf("-> reaction %s to %s\n", emoji, target.SenderID())
	return signal.ResolvedFuture(&message.Message{Kind: message.KindResult}), nil
}

func (c *consoleSender) RPC(method string, params map[string]interface{}) *signal.Future {
	fmt.Printf("-> rpc %s (unavailable in console)\n", method)
	return signal.ResolvedFuture(&message.Message{
		Kind:  message.KindError,
		Error: &message.RPCError{Code: -1, Message: "console has no Signal client"},
	})
}

func (c *consoleSender) Uptime() time.Duration { return time.Since(c.start) }

func consoleCmd() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.BotNumber == "" {
		cfg.BotNumber = "+15550000000"
	}
	source := cfg.Admin
	if source == "" {
		source = "+15550000001"
		cfg.Admin = source
	}
	logger.SetLevel(logger.WARN)

	sender := &consoleSender{start: time.Now()}
	b := bot.NewBot(cfg, sender)
	parser := message.NewParser(cfg.BotNumber)

	fmt.Println("Console mode: you speak as the admin. Ctrl+C or \"exit\" to quit.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".mobclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Bye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		msg, err := consoleMessage(parser, source, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		b.Dispatch(context.Background(), msg)
		b.Wait()
	}
}

// consoleMessage runs input through the real wire parser so console
// behavior matches live traffic.
func consoleMessage(parser *message.Parser, source, text string) (*message.Message, error) {
	body, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"sourceNumber":%q,"timestamp":%d,"dataMessage":{"message":%s}}}}`,
		source, time.Now().UnixMilli(), body)
	msgs, err := parser.Parse([]byte(line))
	if err != nil {
		return nil, err
	}
	if len(msgs) != 1 {
		return nil, fmt.Errorf("input did not parse to a message")
	}
	return msgs[0], nil
}
