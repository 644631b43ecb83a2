package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"sget/internal/notify"
)

const (
	eventBuffer       = 256
	heartbeatInterval = 15 * time.Second
)

type eventMessage struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status,omitempty"`
	Success *bool  `json:"success,omitempty"`
	At      string `json:"at"`
}

// Events streams task notifications as server-sent events. The stream
// opens with a "totals" event; ?task_id= limits it to one download.
func (a *API) Events(c *gin.Context) {
	filter := c.Query("task_id")
	sub := a.taskManager.Bus().Subscribe(eventBuffer)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("totals", a.taskManager.Totals())
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC().Format(time.RFC3339)})
			return true
		case e, ok := <-sub.Events():
			if !ok {
				return false
			}
			if filter != "" && e.TaskID != filter {
				return true
			}
			c.SSEvent(string(e.Kind), toEventMessage(e))
			return true
		}
	})
	if n := sub.Dropped(); n > 0 {
		log.Warn().Int64("dropped", n).Msg("event subscriber fell behind")
	}
}

func toEventMessage(e notify.Event) eventMessage {
	msg := eventMessage{TaskID: e.TaskID, Status: e.Status, At: e.At.UTC().Format(time.RFC3339Nano)}
	if e.Kind == notify.KindCompleted {
		success := e.Success
		msg.Success = &success
	}
	return msg
}
