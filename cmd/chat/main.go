package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Observer CLI: creates and starts a conversation on a Parley server, then
// watches it live over the event WebSocket.
func main() {
	server := flag.String("server", "http://localhost:8000", "Parley server URL")
	topic := flag.String("topic", "", "conversation topic (required)")
	agents := flag.String("agents", "", "comma-separated agent ids (required)")
	maxTurns := flag.Int("max-turns", 10, "turn cap, 0 for unlimited")
	flag.Parse()

	if *topic == "" || *agents == "" {
		flag.Usage()
		os.Exit(2)
	}

	agentIDs := strings.Split(*agents, ",")
	for i := range agentIDs {
		agentIDs[i] = strings.TrimSpace(agentIDs[i])
	}

	convID, err := createConversation(*server, *topic, agentIDs, *maxTurns)
	if err != nil {
		printError("Failed to create conversation: %v", err)
		os.Exit(1)
	}
	fmt.Printf("Conversation %s created on %q\n", convID, *topic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		printError("WebSocket dial failed: %v", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := post(*server, "/api/conversations/"+convID+"/start"); err != nil {
		printError("Failed to start conversation: %v", err)
		os.Exit(1)
	}
	fmt.Println("Conversation started, watching events...")
	fmt.Println("---")

	watch(ctx, conn, convID)
}

func createConversation(server, topic string, agentIDs []string, maxTurns int) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"topic":     topic,
		"agent_ids": agentIDs,
		"max_turns": maxTurns,
	})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(server+"/api/conversations", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server error (%d): %s", resp.StatusCode, string(data))
	}

	var env struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	return env.ConversationID, nil
}

func post(server, path string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(server+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(data))
	}
	return nil
}

func watch(ctx context.Context, conn *websocket.Conn, convID string) {
	var streaming bool
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			printError("Connection closed: %v", err)
			return
		}

		var ev struct {
			Type           string `json:"type"`
			ConversationID string `json:"conversation_id"`
			Status         string `json:"status"`
			Error          string `json:"error"`
			Message        *struct {
				Speaker    string `json:"speaker"`
				Content    string `json:"content"`
				TurnNumber int    `json:"turn_number"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			printError("Bad event: %v", err)
			continue
		}
		if ev.ConversationID != convID {
			continue
		}

		switch ev.Type {
		case "stream_update":
			// Rewrite the current line with the cumulative content.
			fmt.Printf("\r\033[K\033[36m[%s]\033[0m %s", ev.Message.Speaker, ev.Message.Content)
			streaming = true
		case "new_message":
			if streaming {
				fmt.Print("\r\033[K")
				streaming = false
			}
			fmt.Printf("\033[36m[%s #%d]\033[0m %s\n",
				ev.Message.Speaker, ev.Message.TurnNumber, ev.Message.Content)
		case "conversation_updated":
			fmt.Printf("\033[33m-- conversation %s --\033[0m\n", ev.Status)
			if ev.Status == "ended" || ev.Status == "stopped" {
				return
			}
		case "error":
			printError("Turn failed: %s", ev.Error)
		}
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
