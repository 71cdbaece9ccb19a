// Command voxbridge runs the voice bridge daemon and ships two small
// operator tools: placing outbound calls and a text console for poking
// at a running worker.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/voxbridge-dev/voxbridge"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/config"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// version is set via ldflags.
var version = "dev"

// Exit codes: 1 config error, 2 missing upstream credentials, 3 redis
// unreachable.
const (
	exitConfig      = 1
	exitCredentials = 2
	exitRedis       = 3
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:     "voxbridge",
		Short:   "Real-time voice-to-voice agent bridge",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to voxbridge.yaml")

	root.AddCommand(serveCmd(), callCmd(), consoleCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfig)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfig)
			}
			if missing := cfg.MissingCredentials(); len(missing) > 0 {
				fmt.Fprintf(os.Stderr, "missing upstream credentials: %s\n", strings.Join(missing, ", "))
				os.Exit(exitCredentials)
			}

			b, err := voxbridge.New(cmd.Context(), cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				if fault.KindOf(err) == fault.KindConfig {
					os.Exit(exitConfig)
				}
				os.Exit(exitRedis)
			}
			if err := b.Run(cmd.Context()); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func callCmd() *cobra.Command {
	var addr, target, hint string
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place an outbound call via a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := json.Marshal(map[string]string{
				"target":       target,
				"session_hint": hint,
			})
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(addr+"/call/outbound", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			}

			var out struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return err
			}
			fmt.Printf("call placed, session %s\n", out.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "daemon base URL")
	cmd.Flags().StringVar(&target, "target", "", "E.164 number to dial")
	cmd.Flags().StringVar(&hint, "hint", "", "context hint forwarded to the agents")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func consoleCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive text session against a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := strings.Replace(addr, "http", "ws", 1) + "/realtime"
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), url, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", url, err)
			}
			defer conn.Close()

			done := make(chan struct{})
			go consoleReader(conn, done)

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			fmt.Println("connected; type to talk, /quit to hang up")
			for {
				select {
				case <-done:
					fmt.Println("server closed the session")
					return nil
				default:
				}

				text, err := line.Prompt("> ")
				if err != nil {
					if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
						text = "/quit"
					} else {
						return err
					}
				}
				text = strings.TrimSpace(text)
				if text == "" {
					continue
				}
				line.AppendHistory(text)

				if text == "/quit" {
					_ = conn.WriteJSON(audio.BrowserMessage{Type: audio.BrowserTypeHangup})
					select {
					case <-done:
					case <-time.After(3 * time.Second):
					}
					return nil
				}
				if text == "/interrupt" {
					if err := conn.WriteJSON(audio.BrowserMessage{Type: audio.BrowserTypeInterrupt}); err != nil {
						return err
					}
					continue
				}
				if err := conn.WriteJSON(audio.BrowserMessage{Type: audio.BrowserTypeText, Text: text}); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "daemon base URL")
	return cmd
}

// consoleReader prints server events, skipping raw audio payloads.
func consoleReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := audio.DecodeBrowserMessage(raw)
		if err != nil {
			continue
		}
		switch msg.Type {
		case audio.BrowserTypeTranscript:
			marker := ""
			if !msg.Final {
				marker = " …"
			}
			fmt.Printf("\r[%s] %s%s\n> ", msg.Role, msg.Text, marker)
		case audio.BrowserTypeState:
			fmt.Printf("\r(state: %s)\n> ", msg.State)
		case audio.BrowserTypeAgent:
			fmt.Printf("\r(agent: %s)\n> ", msg.Key)
		case audio.BrowserTypeError:
			fmt.Printf("\r(error %s: %s)\n> ", msg.Code, msg.Message)
		}
	}
}
