// monitor-tap attaches to a running relay's monitor endpoint and prints
// every mirrored audio envelope.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Kind         string `json:"kind"`
	Codec        string `json:"codec"`
	SampleRateHz int    `json:"sampleRateHz"`
	StreamSid    string `json:"streamSid"`
	Payload      string `json:"payload"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/monitor", "relay monitor endpoint")
	key := flag.String("key", "", "monitor shared secret")
	flag.Parse()

	u, err := url.Parse(*addr)
	if err != nil {
		log.Fatalf("Bad address: %v", err)
	}
	if *key != "" {
		q := u.Query()
		q.Set("key", *key)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.Close()
	}()

	log.Printf("👁️ Tapping %s", u.String())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Connection closed: %v", err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("⚠️ Unparseable envelope: %s", data)
			continue
		}
		log.Printf("%s %s %s@%dHz %d b64 bytes",
			env.StreamSid, env.Kind, env.Codec, env.SampleRateHz, len(env.Payload))
	}
}
