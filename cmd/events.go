package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/tidewater-labs/concierge/internal/config"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

func eventsCmd() *cobra.Command {
	var addr string
	var filter string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the node's live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				host := cfg.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
			}
			return tailEvents(addr, filter)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "node address (default: from config)")
	cmd.Flags().StringVar(&filter, "filter", "", "only print events whose name contains this substring")
	return cmd
}

func tailEvents(addr, filter string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := "ws://" + addr + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		var frame protocol.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		printFrame(&frame, filter)
	}
}

func printFrame(frame *protocol.EventFrame, filter string) {
	switch frame.Type {
	case protocol.FrameHello:
		var hello protocol.Hello
		if raw, err := json.Marshal(frame.Payload); err == nil {
			json.Unmarshal(raw, &hello)
		}
		fmt.Printf("connected to %s (concierge %s)\n", hello.Node, hello.Version)
	case protocol.FrameEvent:
		if filter != "" && !strings.Contains(frame.Event, filter) {
			return
		}
		payload := ""
		if frame.Payload != nil {
			if raw, err := json.Marshal(frame.Payload); err == nil && string(raw) != "null" {
				payload = " " + string(raw)
			}
		}
		fmt.Printf("%s %-18s%s\n", frame.At.Local().Format("15:04:05"), frame.Event, payload)
	}
}
