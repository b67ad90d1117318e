package main

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
			for _, allowed := range CORSAllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		}
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	},
}

// sendMessageWebSocketHandler is the WebSocket variant of the message stream.
// GET /ws/conversations/:id - The client sends one SendMessageRequest frame;
// the server answers with one JSON CouncilEvent per frame and closes after
// the terminal event.
func sendMessageWebSocketHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(500, gin.H{"error": fmt.Sprintf("Failed to get conversation: %v", err)})
		return
	}
	if conversation == nil {
		c.JSON(404, gin.H{"error": "Conversation not found"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var request SendMessageRequest
	if err := conn.ReadJSON(&request); err != nil {
		writeWSEvent(conn, CouncilEvent{Type: "error", Message: fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if request.Content == "" {
		writeWSEvent(conn, CouncilEvent{Type: "error", Message: "Message content is required"})
		return
	}

	isFirstMessage := len(conversation.Messages) == 0

	_, history, opts, err := prepareTurn(conversationID, request)
	if err != nil {
		writeWSEvent(conn, CouncilEvent{Type: "error", Message: err.Error()})
		return
	}

	events := council.RunCouncilStream(c.Request.Context(), request.Content, history, opts, StreamHooks{
		GenerateTitle: isFirstMessage,
		OnTitle: func(title string) {
			if err := UpdateConversationTitle(conversationID, title); err != nil {
				log.Printf("Failed to update title: %v", err)
			}
		},
		Persist: func(stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response, metadata Metadata) error {
			return AddAssistantMessage(conversationID, stage1, stage2, stage3, metadata)
		},
	})

	// Keep draining even after a write fails so the producer's storage side
	// effects complete regardless of the connection's fate.
	connAlive := true
	for event := range events {
		if !connAlive {
			continue
		}
		if err := writeWSEvent(conn, event); err != nil {
			log.Printf("WebSocket write failed for conversation %s: %v", conversationID, err)
			connAlive = false
		}
	}

	if connAlive {
		deadline := time.Now().Add(wsWriteTimeout)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
}

func writeWSEvent(conn *websocket.Conn, event CouncilEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(event)
}
