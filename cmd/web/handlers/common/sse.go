package common

import (
	"encoding/json"

	"github.com/labstack/echo/v4"
	"github.com/starfederation/datastar-go/datastar"
)

// SetSSEHeaders sets headers needed for SSE that datastar.NewSSE() does NOT set.
// datastar already sets Content-Type, Cache-Control, and Connection.
// This only adds X-Accel-Buffering for nginx/reverse proxy compatibility.
func SetSSEHeaders(c echo.Context) {
	c.Response().Header().Set("X-Accel-Buffering", "no")
}

// SendJSON emits one named event whose single data line is v as JSON.
func SendJSON(sse *datastar.ServerSentEventGenerator, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sse.Send(datastar.EventType(event), []string{string(data)})
}
