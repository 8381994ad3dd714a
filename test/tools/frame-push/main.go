// frame-push publishes a synthetic or file-backed image stream to a
// framerelay room over SRT or WebSocket and reports the acknowledgements.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/framerelay/internal/ingest"
	srtingest "github.com/zsiec/framerelay/internal/ingest/srt"
	"github.com/zsiec/framerelay/internal/protocol"
)

type counters struct {
	sent    atomic.Int64
	ok      atomic.Int64
	skipped atomic.Int64
	other   atomic.Int64
}

func (c *counters) ack(line string) {
	switch line {
	case ingest.AckOK:
		c.ok.Add(1)
	case ingest.AckSkip:
		c.skipped.Add(1)
	default:
		c.other.Add(1)
	}
}

func main() {
	transportFlag := flag.String("transport", "srt", "srt or ws")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT address, or HTTP host:port for ws")
	roomFlag := flag.String("room", "default", "room key")
	fpsFlag := flag.Int("fps", 30, "frames per second to publish")
	fileFlag := flag.String("file", "", "JPEG file to send repeatedly (default: generated frames)")
	durationFlag := flag.Duration("duration", 0, "stop after this long (0 runs until killed)")
	flag.Parse()

	if *fpsFlag <= 0 {
		fmt.Fprintf(os.Stderr, "fps must be positive\n")
		os.Exit(1)
	}

	var still []byte
	if *fileFlag != "" {
		data, err := os.ReadFile(*fileFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
			os.Exit(1)
		}
		still = data
	}

	var send func(protocol.Envelope) error
	var acks io.Reader
	var closeFn func()

	switch *transportFlag {
	case "srt":
		cfg := srtingest.NewConfig("live/" + *roomFlag)
		fmt.Printf("[%s] Connecting to SRT %s...\n", *roomFlag, *addrFlag)
		conn, err := srt.Dial(*addrFlag, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "SRT connect failed: %v\n", err)
			os.Exit(1)
		}
		send = func(e protocol.Envelope) error {
			_, err := conn.Write(protocol.AppendBinaryEnvelope(nil, e))
			return err
		}
		acks = conn
		closeFn = func() { conn.Close() }
	case "ws":
		u := url.URL{Scheme: "ws", Host: *addrFlag, Path: "/api/send-image", RawQuery: "room=" + url.QueryEscape(*roomFlag)}
		fmt.Printf("[%s] Connecting to %s...\n", *roomFlag, u.String())
		conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
			os.Exit(1)
		}
		send = func(e protocol.Envelope) error {
			b, err := protocol.EncodeMsgpackEnvelope(e)
			if err != nil {
				return err
			}
			return conn.WriteMessage(websocket.BinaryMessage, b)
		}
		acks = wsLineReader(conn)
		closeFn = func() { conn.Close() }
	default:
		fmt.Fprintf(os.Stderr, "unknown transport %q\n", *transportFlag)
		os.Exit(1)
	}
	defer closeFn()

	var c counters
	go func() {
		sc := bufio.NewScanner(acks)
		for sc.Scan() {
			c.ack(strings.TrimSpace(sc.Text()))
		}
	}()

	var deadline <-chan time.Time
	if *durationFlag > 0 {
		deadline = time.After(*durationFlag)
	}

	ticker := time.NewTicker(time.Second / time.Duration(*fpsFlag))
	defer ticker.Stop()
	logTicker := time.NewTicker(5 * time.Second)
	defer logTicker.Stop()

	for n := 0; ; n++ {
		select {
		case <-deadline:
			printStats(*roomFlag, &c)
			return
		case <-logTicker.C:
			printStats(*roomFlag, &c)
		case <-ticker.C:
			data := still
			if data == nil {
				data = generateFrame(n)
			}
			env := protocol.Envelope{Timestamp: time.Now().UnixMilli(), Data: data}
			if err := send(env); err != nil {
				fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v\n", *roomFlag, err)
				printStats(*roomFlag, &c)
				os.Exit(1)
			}
			c.sent.Add(1)
		}
	}
}

func printStats(room string, c *counters) {
	fmt.Printf("[%s] sent=%d ok=%d skipped=%d other=%d\n",
		room, c.sent.Load(), c.ok.Load(), c.skipped.Load(), c.other.Load())
}

// generateFrame renders a small test card whose bar position moves with n.
func generateFrame(n int) []byte {
	const w, h = 320, 240
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := (n * 4) % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
			if x >= bar && x < bar+16 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70})
	return buf.Bytes()
}

// wsLineReader turns each text message into one newline-terminated line.
func wsLineReader(conn *websocket.Conn) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(append(msg, '\n')); err != nil {
				return
			}
		}
	}()
	return pr
}
