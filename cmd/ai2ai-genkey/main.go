package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
)

func main() {
	dir := flag.String("dir", "./data/keys", "keystore directory (created if missing)")
	flag.Parse()

	ks, err := keystore.Open(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}

	edPub, _ := ks.SigningKeys()
	xPub, _ := ks.AgreementKeys()

	fmt.Printf("Keystore:          %s\n", *dir)
	fmt.Printf("Fingerprint:       %s\n", ks.Fingerprint())
	fmt.Printf("Ed25519 public:    %s\n", base64.StdEncoding.EncodeToString(edPub))
	fmt.Printf("X25519 public:     %s\n", base64.StdEncoding.EncodeToString(xPub[:]))
}
