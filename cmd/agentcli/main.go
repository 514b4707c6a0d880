package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectDelay    = 5 * time.Second
	heartbeatInterval = 30 * time.Second
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "Agora server URL")
	agentID := flag.String("id", "cli-agent", "Agent ID")
	name := flag.String("name", "", "Agent display name")
	role := flag.String("role", "", "Agent role (lead, implementer, deployer, memory-assistant)")
	flag.Parse()

	if *name == "" {
		*name = *agentID
	}

	fmt.Println("Agora Agent CLI")
	fmt.Printf("Server: %s | Agent: %s\n", *server, *agentID)
	fmt.Println("Type a message to broadcast, or '@id1,id2 text' for direct delivery.")
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("---")

	// One stdin reader feeds every session so reconnects keep pending input.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	url := strings.TrimSuffix(*server, "/") + "/ws/" + *agentID
	for {
		if done := runSession(url, *agentID, *name, *role, lines); done {
			return
		}
		printError("Disconnected, retrying in %s", reconnectDelay)
		time.Sleep(reconnectDelay)
	}
}

// runSession drives one connection until it drops. Returns true when the
// user asked to quit.
func runSession(url, agentID, name, role string, lines <-chan string) bool {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		printError("Connect failed: %v", err)
		return false
	}
	defer ws.Close()
	fmt.Println("\033[32mConnected.\033[0m")

	send(ws, "agent:register", map[string]any{
		"name": name,
		"role": role,
	})

	// Read pump; closing the channel ends the session.
	inbound := make(chan []byte)
	go func() {
		defer close(inbound)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			inbound <- data
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	fmt.Print("\n> ")
	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				return false
			}
			printEvent(data)
			fmt.Print("> ")
		case <-heartbeat.C:
			send(ws, "agent:heartbeat", map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		case line, ok := <-lines:
			if !ok {
				return true
			}
			if line == "" {
				fmt.Print("> ")
				continue
			}
			if line == "exit" || line == "quit" {
				fmt.Println("Bye!")
				return true
			}
			recipients, content := parseLine(line)
			send(ws, "message:send", map[string]any{
				"content":    content,
				"recipients": recipients,
			})
		}
	}
}

// parseLine splits "@a,b hello" into its recipients and content. A plain
// line broadcasts.
func parseLine(line string) ([]string, string) {
	if !strings.HasPrefix(line, "@") {
		return []string{}, line
	}
	parts := strings.SplitN(line[1:], " ", 2)
	if len(parts) != 2 {
		return []string{}, line
	}
	recipients := strings.Split(parts[0], ",")
	return recipients, parts[1]
}

func send(ws *websocket.Conn, tag string, data map[string]any) {
	payload, _ := json.Marshal(map[string]any{
		"event": tag,
		"data":  data,
	})
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		printError("Send failed: %v", err)
	}
}

func printEvent(raw []byte) {
	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		printError("Bad frame: %v", err)
		return
	}
	switch env.Event {
	case "agent:heartbeat_ack":
		// Keep the prompt clean.
		return
	case "message:received":
		sender, _ := env.Data["sender"].(string)
		content, _ := env.Data["content"].(string)
		fmt.Printf("\r\033[36m[%s]\033[0m %s\n", sender, content)
	default:
		data, _ := json.Marshal(env.Data)
		fmt.Printf("\r\033[33m%s\033[0m %s\n", env.Event, data)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
