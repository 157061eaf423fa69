package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/natsbus"
	"github.com/ppallis/conclave/internal/swarm"
)

const askTimeout = 2 * time.Minute

func runAsk(args []string) error {
	var capabilities []string
	var words []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--capability":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --capability")
			}
			i++
			capabilities = append(capabilities, args[i])
		default:
			words = append(words, args[i])
		}
	}

	query := strings.TrimSpace(strings.Join(words, " "))
	if query == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave ask [--capability <name>] <question>\n")
		return errors.New("missing question")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := natsbus.NewClientFromURL(fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port))
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer client.Close()

	body := map[string]any{"query": query}
	if len(capabilities) > 0 {
		body["capabilities"] = capabilities
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg, err := client.Request(natsbus.TopicQuery, payload, askTimeout)
	if err != nil {
		return fmt.Errorf("query swarm: %w", err)
	}

	var res struct {
		swarm.Result
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}

	fmt.Println(res.Answer)
	if len(res.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range res.Sources {
			fmt.Printf("  - %s\n", src)
		}
	}

	by := "root"
	if len(res.Workers) > 0 {
		by = strings.Join(res.Workers, ", ")
	}
	note := fmt.Sprintf("answered by %s in %s", by, res.Elapsed.Round(time.Millisecond))
	if res.CacheHit {
		note += " (cached)"
	}
	fmt.Fprintln(os.Stderr, note)
	return nil
}
