package http

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// ReadMarker acknowledges inbound channel messages.
type ReadMarker interface {
	MarkRead(ctx context.Context, phoneNumberID, messageID, token string) error
}

type webhookMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// firstText returns the first inbound text message of the delivery, if any.
func (p webhookPayload) firstText() (phoneNumberID string, msg webhookMessage, ok bool) {
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 {
		return "", webhookMessage{}, false
	}
	v := p.Entry[0].Changes[0].Value
	if len(v.Messages) == 0 || v.Messages[0].Type != "text" {
		return "", webhookMessage{}, false
	}
	return v.Metadata.PhoneNumberID, v.Messages[0], true
}

// verifyWebhookHandler answers the subscription challenge.
func verifyWebhookHandler(verifyToken string) echo.HandlerFunc {
	return func(c echo.Context) error {
		mode := c.QueryParam("hub.mode")
		token := c.QueryParam("hub.verify_token")
		if mode == "subscribe" && verifyToken != "" && token == verifyToken {
			return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
		}
		return c.NoContent(http.StatusForbidden)
	}
}

// receiveWebhookHandler marks inbound text messages as read. Deliveries are
// always acknowledged; receipt failures are only logged.
func receiveWebhookHandler(rm ReadMarker, token string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var p webhookPayload
		if err := c.Bind(&p); err != nil {
			return writeError(c, badInput("webhook body must be a JSON object"))
		}

		phoneNumberID, msg, ok := p.firstText()
		if !ok || rm == nil || phoneNumberID == "" || msg.ID == "" {
			return c.NoContent(http.StatusOK)
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
		defer cancel()
		if err := rm.MarkRead(ctx, phoneNumberID, msg.ID, token); err != nil {
			log.Warnf("mark read %s failed: %v", msg.ID, err)
		}
		return c.NoContent(http.StatusOK)
	}
}
