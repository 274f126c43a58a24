package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"punchdht"
)

func main() {
	var (
		bind      = flag.String("bind", ":0", "UDP bind address")
		bootstrap = flag.String("bootstrap", "", "comma-separated bootstrap host:port list")
		serveSeed = flag.String("serve", "", "run a server with an identity derived from this seed")
		connectTo = flag.String("connect", "", "connect to a server public key (hex)")
		storage   = flag.String("storage", "", "bolt database path for mutable/immutable records")
		debug     = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	opts := &punchdht.Options{
		Bind:    *bind,
		Storage: *storage,
		Debug:   *debug,
	}
	if *bootstrap != "" {
		opts.Bootstrap = strings.Split(*bootstrap, ",")
	}

	node, err := punchdht.New(opts)
	if err != nil {
		log.Fatalf("start node: %v", err)
	}
	defer node.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := node.Ready(ctx); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	cancel()
	log.Printf("node up on %s (firewalled=%v)", node.Addr(), node.Firewalled())

	switch {
	case *serveSeed != "":
		runServer(node, *serveSeed)
	case *connectTo != "":
		runClient(node, *connectTo)
	default:
		select {} // plain DHT node: store records, relay connects
	}
}

func runServer(node *punchdht.DHT, seed string) {
	kp, err := punchdht.KeyPair([]byte(seed))
	if err != nil {
		log.Fatalf("keypair: %v", err)
	}
	srv, err := node.CreateServer(&punchdht.ServerOptions{KeyPair: &kp}, func(sock *punchdht.Socket) {
		log.Printf("connection from %s", hex.EncodeToString(sock.RemotePublicKey())[:16])
		go func() {
			defer sock.Destroy()
			if _, err := io.Copy(os.Stdout, sock); err != nil {
				log.Printf("read: %v", err)
			}
		}()
	})
	if err != nil {
		log.Fatalf("create server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatalf("listen: %v", err)
	}
	fmt.Printf("serving as %s\n", hex.EncodeToString(srv.PublicKey()))
	select {}
}

func runClient(node *punchdht.DHT, pubHex string) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != 32 {
		log.Fatalf("bad public key")
	}
	sock := node.Connect(pub, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sock.Opened(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	log.Printf("open; piping stdin")
	if _, err := io.Copy(sock, os.Stdin); err != nil {
		log.Printf("write: %v", err)
	}
	_ = sock.Close()
}
