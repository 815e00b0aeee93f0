// ai2ai-client is a thin CLI wrapper over the client SDK, for sending one-off
// envelopes and running registry lookups without a running Node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ai2ai-protocol/ai2ai/client"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	agentID := os.Getenv("AI2AI_AGENT_ID")
	keyDir := os.Getenv("AI2AI_KEY_DIR")
	if keyDir == "" {
		keyDir = "./data/keys"
	}
	c, err := client.New(client.Config{
		AgentID:     agentID,
		KeyDir:      keyDir,
		RegistryURL: os.Getenv("AI2AI_REGISTRY_URL"),
	})
	exitOnError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "fingerprint":
		fmt.Println(c.Fingerprint())

	case "send":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: ai2ai-client send <target-agent> <target-endpoint> <message>")
			os.Exit(1)
		}
		resp, err := c.Send(ctx, os.Args[2], os.Args[3], client.SendOptions{
			Type:    envelope.TypeInform,
			Payload: map[string]string{"text": os.Args[4]},
		})
		exitOnError(err)
		printJSON(resp)

	case "discover":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: ai2ai-client discover <agent-id>")
			os.Exit(1)
		}
		desc, err := c.Discover(ctx, os.Args[2])
		exitOnError(err)
		printJSON(desc)

	case "search":
		capability := ""
		if len(os.Args) > 2 {
			capability = os.Args[2]
		}
		results, err := c.Search(ctx, capability, "")
		exitOnError(err)
		printJSON(results)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`ai2ai-client - agent-to-agent SDK CLI

Usage: ai2ai-client <command> [args]

Commands:
  fingerprint                              print this agent's key fingerprint
  send <agent> <endpoint> <message>        send an inform envelope
  discover <agent-id>                      look up an agent via the registry
  search [capability]                      search the registry by capability

Environment:
  AI2AI_AGENT_ID       this agent's id
  AI2AI_KEY_DIR        keystore directory (default ./data/keys)
  AI2AI_REGISTRY_URL   registry base URL`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
