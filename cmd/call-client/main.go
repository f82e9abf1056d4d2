// call-client simulates one telephony media stream against a running relay:
// it sends start, streams a mu-law file (or silence) in 20ms chunks, then
// stop, printing every frame the relay sends back. Optionally pipes returned
// audio to sox for playback.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const chunkBytes = 160 // 20ms of mu-law at 8kHz

type mediaFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	StreamSid string `json:"streamSid,omitempty"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// AudioPlayer streams mu-law audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "8000",
		"-e", "mu-law",
		"-b", "8",
		"-c", "1",
		"-", "-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Printf("sox unavailable, playback disabled: %v", err)
		return &AudioPlayer{closed: true}
	}
	if err := cmd.Start(); err != nil {
		log.Printf("sox unavailable, playback disabled: %v", err)
		return &AudioPlayer{closed: true}
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	_, _ = p.stdin.Write(data)
}

func (p *AudioPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stdin.Close()
	_ = p.cmd.Wait()
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/stream", "relay stream endpoint")
	file := flag.String("file", "", "raw mu-law 8kHz file to stream (silence if empty)")
	sid := flag.String("sid", fmt.Sprintf("MZtest%d", time.Now().Unix()), "stream SID to announce")
	play := flag.Bool("play", false, "play returned audio via sox")
	duration := flag.Duration("duration", 10*time.Second, "how long to stream before stop")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	var player *AudioPlayer
	if *play {
		player = NewAudioPlayer()
		defer player.Close()
	}

	// Print everything the relay sends back
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame mediaFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Printf("⚠️ Unparseable frame: %s", data)
				continue
			}
			switch frame.Event {
			case "media":
				payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
				if err != nil {
					log.Printf("⚠️ Bad media payload: %v", err)
					continue
				}
				log.Printf("🔊 media %d bytes (sid=%s)", len(payload), frame.StreamSid)
				if player != nil {
					player.Write(payload)
				}
			case "mark":
				log.Printf("🏷️ mark %s", frame.Mark.Name)
			default:
				log.Printf("📥 %s", data)
			}
		}
	}()

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}

	send(map[string]any{"event": "connected"})
	send(map[string]any{"event": "start", "start": map[string]any{"streamSid": *sid}})
	log.Printf("📞 Streaming as %s", *sid)

	var audio []byte
	if *file != "" {
		audio, err = os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *file, err)
		}
		// Pad short files to at least one chunk of mu-law silence
		for len(audio) < chunkBytes {
			audio = append(audio, 0xFF)
		}
	} else {
		// mu-law silence
		audio = make([]byte, chunkBytes)
		for i := range audio {
			audio[i] = 0xFF
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(*duration)

	offset := 0
stream:
	for {
		select {
		case <-interrupt:
			break stream
		case <-deadline:
			break stream
		case <-ticker.C:
			end := offset + chunkBytes
			if end > len(audio) {
				offset = 0
				end = chunkBytes
			}
			payload := base64.StdEncoding.EncodeToString(audio[offset:end])
			send(map[string]any{"event": "media", "media": map[string]any{"payload": payload}})
			offset = end % len(audio)
		}
	}

	send(map[string]any{"event": "stop"})
	log.Println("📞 Sent stop, waiting for close...")
	time.Sleep(time.Second)
}
