// Command natmap-watch prints every mapping change pushed by a natmap-sync
// server, reconnecting whenever the connection drops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

func main() {
	url := pflag.StringP("url", "u", "ws://127.0.0.1:8080/ws", "websocket endpoint of the natmap-sync server")
	retry := pflag.DurationP("retry", "r", 5*time.Second, "delay before reconnecting")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		err := watch(ctx, *url)
		if ctx.Err() != nil {
			return
		}
		log.Printf("Connection to %s lost: %v", *url, err)
		log.Printf("Reconnecting in %s", *retry)

		select {
		case <-ctx.Done():
			return
		case <-time.After(*retry):
		}
	}
}

func watch(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	log.Printf("Connected to %s", url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed the connection")
			}
			return err
		}
		fmt.Fprintf(os.Stdout, "%s\n", data)
	}
}
