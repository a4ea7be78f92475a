// Dev client: connects, prints the snapshot summary and every world update,
// and forwards lines from stdin as actions ("collect lantern_1", "/examine zones").
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"tessera.world/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		token = flag.String("token", "dev:alice", "auth token")
		exp   = flag.String("experience", "demo", "experience id")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Token:           *token,
		ExperienceID:    *exp,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send hello: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go readStdin(conn, logger)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("connection closed: %v", err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeSnapshot:
			var snap protocol.SnapshotMsg
			if err := protocol.Decode(msg, &snap); err != nil {
				continue
			}
			logger.Printf("snapshot experience=%s user=%s world_v=%d player_v=%d",
				snap.ExperienceID, snap.UserID, snap.Version, snap.PlayerVersion)

		case protocol.TypeWorldUpdate:
			var upd protocol.WorldUpdateMsg
			if err := protocol.Decode(msg, &upd); err != nil {
				continue
			}
			for _, ch := range upd.Changes {
				logger.Printf("update doc=%s v%d->%d %s %s",
					upd.Document, upd.BaseVersion, upd.SnapshotVersion, ch.Operation, ch.Path)
			}

		case protocol.TypeActionResult:
			var res protocol.ActionResultMsg
			if err := protocol.Decode(msg, &res); err != nil {
				continue
			}
			status := "ok"
			if !res.Success {
				status = "fail " + res.Code
			}
			logger.Printf("result [%s] %s", status, res.Message)
		}
	}
}

func readStdin(conn *websocket.Conn, logger *log.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	seq := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		seq++
		act := parseLine(line)
		act.Type = protocol.TypeAction
		act.ProtocolVersion = protocol.Version
		act.RequestID = fmt.Sprintf("cli-%d", seq)
		if err := conn.WriteJSON(act); err != nil {
			logger.Printf("send: %v", err)
			return
		}
	}
}

// parseLine splits "verb key=value bare ..." into an action. key=value pairs
// become named params ("collect item=lantern_1"); bare words are collected
// under "args", which is what admin verbs consume ("/delete zone z1 confirm").
func parseLine(line string) protocol.ActionMsg {
	fields := strings.Fields(line)
	act := protocol.ActionMsg{Action: fields[0]}
	params := map[string]any{}
	var args []any
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok && k != "" {
			params[k] = v
			continue
		}
		args = append(args, f)
	}
	if len(args) > 0 {
		params["args"] = args
	}
	if len(params) > 0 {
		act.Params = params
	}
	return act
}
