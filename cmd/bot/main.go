// Command bot is a demo client: it joins channels and tries to catch every
// spawn it can recognise from the catalog.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/protocol"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name        = flag.String("name", "bot", "participant id")
		channels    = flag.String("channels", "general", "comma-separated channels to follow")
		catalogPath = flag.String("catalog", "./configs/catalog.yaml", "catalog used to recognise spawns")
		delay       = flag.Duration("delay", 2*time.Second, "maximum think time before answering")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}
	guesses := guessTable(cat)

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Participant:     *name,
		Channels:        strings.Split(*channels, ","),
		MaxQueue:        8,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}()

	// gorilla allows one concurrent writer.
	writes := make(chan protocol.Interaction, 8)
	go func() {
		for in := range writes {
			if err := conn.WriteJSON(in); err != nil {
				logger.Printf("send %s: %v", in.ID, err)
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s channels=%v catalog=%d item(s)", w.SessionID, w.Channels, w.Catalog.Items)
			if w.Catalog.Digest != cat.Digest {
				logger.Printf("catalog digest differs from the server's; guesses may miss")
			}

		case protocol.TypePrompt:
			var p protocol.Prompt
			if err := json.Unmarshal(msg, &p); err != nil {
				continue
			}
			if p.Kind != protocol.PromptSpawn || !slices.Contains(p.Actions, protocol.KindClaim) {
				if p.Final {
					logger.Printf("%s: %s", p.PromptID, p.Text)
				}
				continue
			}
			answer, ok := guess(guesses, p.Card)
			if !ok {
				logger.Printf("%s: no idea what that is", p.PromptID)
				continue
			}
			in := protocol.Interaction{
				Type:            protocol.TypeInteraction,
				ProtocolVersion: protocol.Version,
				ID:              fmt.Sprintf("claim-%s-%d", *name, time.Now().UnixNano()),
				Kind:            protocol.KindClaim,
				Channel:         p.Channel,
				SpawnID:         strings.TrimPrefix(p.PromptID, "spawn:"),
				Answer:          answer,
			}
			think := time.Duration(rand.Int64N(int64(*delay) + 1))
			time.AfterFunc(think, func() {
				select {
				case writes <- in:
				default:
					logger.Printf("%s: send queue full, skipping", p.PromptID)
				}
			})

		case protocol.TypeResult:
			var r protocol.ResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			if r.OK {
				logger.Printf("RESULT %s ok", r.ReplyTo)
			} else {
				logger.Printf("RESULT %s %s: %s", r.ReplyTo, r.Code, r.Message)
			}
		}
	}
}

// guessTable maps a spawn card's emoji to the names that could answer it.
func guessTable(cat *catalog.Catalog) map[string][]string {
	out := map[string][]string{}
	for _, it := range cat.Spawnable() {
		if it.Emoji == "" {
			continue
		}
		out[it.Emoji] = append(out[it.Emoji], it.Name)
	}
	return out
}

func guess(table map[string][]string, card *protocol.Card) (string, bool) {
	if card == nil {
		return "", false
	}
	names := table[card.Emoji]
	if len(names) == 0 {
		return "", false
	}
	return names[rand.IntN(len(names))], true
}
