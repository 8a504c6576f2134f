// Package main implements a terminal client for the chat relay.
//
// It joins under the given name (or a random sample name), prints every
// event it receives, and sends each line read from stdin as a chat message.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var sampleNames = []string{"Alice", "Bob", "Charlie", "Dave", "Eve", "Frank"}

// event is the union of every frame the relay sends.
type event struct {
	Type      string          `json:"type"`
	Username  string          `json:"username,omitempty"`
	Users     []string        `json:"users,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type joinFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type messageFrame struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

func main() {
	url := flag.String("url", "ws://localhost:8765", "chat relay WebSocket URL")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-url ws://host:port] [username]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	username := flag.Arg(0)
	if username == "" {
		username = sampleNames[rand.IntN(len(sampleNames))]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, username, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("client: %v", err)
	}
}

func run(ctx context.Context, url, username string, in io.Reader, out io.Writer) error {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	fmt.Fprintf(out, "Connected to %s as %s\n", url, username)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go receive(ctx, cancel, c, out)

	if err := wsjson.Write(ctx, c, joinFrame{Type: "join", Username: username}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			frame := messageFrame{Type: "message", Message: text, Timestamp: unixSeconds(time.Now())}
			if err := wsjson.Write(ctx, c, frame); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// readLines streams lines from in until it is exhausted or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// receive prints events until the connection fails, then cancels the session.
func receive(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, out io.Writer) {
	defer cancel()
	for {
		var ev event
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && websocket.CloseStatus(err) == -1 {
				fmt.Fprintf(out, "Connection error: %v\n", err)
			}
			fmt.Fprintln(out, "Connection closed")
			return
		}
		fmt.Fprintln(out, formatEvent(ev))
	}
}

func formatEvent(ev event) string {
	switch ev.Type {
	case "message":
		return fmt.Sprintf("[%s]: %s", ev.Username, ev.Message)
	case "join":
		return fmt.Sprintf("%s joined the chat. Active users: %s", ev.Username, strings.Join(ev.Users, ", "))
	case "leave":
		return fmt.Sprintf("%s left the chat. Active users: %s", ev.Username, strings.Join(ev.Users, ", "))
	case "system":
		return "System: " + ev.Message
	default:
		return fmt.Sprintf("Unknown event %q", ev.Type)
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
