package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/donorlink/internal/live"
)

func startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	writeSSE(c.Writer, "connected", map[string]string{"user": caller(c)})
	c.Writer.Flush()
}

func writeHeartbeat(c *gin.Context) {
	writeSSE(c.Writer, "heartbeat", map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()
}

// handleRequestEvents streams request snapshots as pledges and edits land.
// A missed snapshot is not replayed; clients refetch the feed.
func (s *server) handleRequestEvents(c *gin.Context) {
	sub := s.notifier.Subscribe(0)
	defer sub.Close()
	startSSE(c)

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeHeartbeat(c)
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSE(c.Writer, "request", snap)
			c.Writer.Flush()
		}
	}
}

// handleMessageEvents streams messages addressed to the caller. A resync
// event tells the client to refetch its open thread and conversation list.
func (s *server) handleMessageEvents(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := s.channel.Subscribe(ctx, caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()
	startSSE(c)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeHeartbeat(c)
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Kind == live.EventResync {
				writeSSE(c.Writer, ev.Kind, map[string]string{"user": caller(c)})
			} else {
				writeSSE(c.Writer, ev.Kind, ev.Message)
			}
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
