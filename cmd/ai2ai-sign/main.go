package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ai2ai-protocol/ai2ai/internal/crypto"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
)

// ai2ai-sign builds and signs a single envelope from a JSON payload, for
// manually exercising a peer's ingress endpoint without running a full node.
func main() {
	keysDir := flag.String("keys", "./data/keys", "keystore directory")
	from := flag.String("from", "", "sender agent id")
	to := flag.String("to", "", "recipient agent id")
	envType := flag.String("type", "ping", "envelope type")
	intent := flag.String("intent", "", "intent (required for all types except ping/receipt)")
	conversation := flag.String("conversation", "", "conversation id (generated if omitted)")
	bodyFile := flag.String("body", "", "file containing the JSON payload (stdin if omitted)")
	flag.Parse()

	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "Usage: ai2ai-sign -from <agent-id> -to <agent-id> [-type ping] [-intent x] [-body file]")
		os.Exit(1)
	}

	ks, err := keystore.Open(*keysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: open keystore: %v\n", err)
		os.Exit(1)
	}

	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: read payload: %v\n", err)
		os.Exit(1)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	convID := crypto.NewUUIDv7()
	if *conversation != "" {
		convID, err = uuid.Parse(*conversation)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sign: invalid -conversation: %v\n", err)
			os.Exit(1)
		}
	}

	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           crypto.NewUUIDv7(),
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Party{Agent: *from},
		To:           envelope.Party{Agent: *to},
		Conversation: convID,
		Type:         envelope.Type(*envType),
		Payload:      body,
	}
	if *intent != "" {
		env.Intent = intent
	}

	_, priv := ks.SigningKeys()
	if err := envelope.Sign(env, priv); err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: marshal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
