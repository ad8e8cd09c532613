// Command audioclient streams a WAV file to the engine's WebSocket
// API in real time and prints the transcript events it receives.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time streaming
// At 16kHz 16-bit mono = 32000 bytes/second
// 100ms chunks = 3200 bytes
const chunkSize = 3200
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/stream", "WebSocket stream URL")
	realtime := flag.Bool("realtime", true, "Pace chunks at real time")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}
	if bitsPerSample != 16 || numChannels != 1 {
		log.Fatal("Only 16-bit mono supported")
	}
	if sampleRate != 16000 {
		log.Printf("Warning: Sample rate is %d Hz, expected 16000 Hz", sampleRate)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *serverURL, err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	// Print events as they arrive; signal when the final lands.
	finalDone := make(chan struct{})
	go func() {
		defer close(finalDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("Read ended: %v", err)
				return
			}
			var env struct {
				EventType string `json:"eventType"`
				Text      string `json:"text"`
				AudioMS   int64  `json:"audioMs"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("Bad event: %v", err)
				continue
			}
			log.Printf("[%s] %dms %q", env.EventType, env.AudioMS, env.Text)
			if env.EventType == "session.transcript.final" {
				return
			}
		}
	}()

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		if err := conn.WriteMessage(websocket.BinaryMessage, audioChunk[:n]); err != nil {
			log.Fatalf("Failed to send chunk: %v", err)
		}

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		if *realtime {
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	log.Println("Flushing, waiting for final transcript...")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`)); err != nil {
		log.Fatalf("Failed to send flush: %v", err)
	}

	select {
	case <-finalDone:
	case <-time.After(30 * time.Second):
		log.Fatal("Timed out waiting for final transcript")
	}
	log.Println("Stream completed")
}
