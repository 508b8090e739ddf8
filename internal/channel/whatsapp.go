package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/util"
	"golang.org/x/time/rate"
)

var ErrBreakerOpen = errors.New("channel breaker open")

// SendError is a non-2xx answer from the messaging API.
type SendError struct {
	Path       string
	StatusCode int
	Code       int
	Message    string
}

func (e *SendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("channel path=%s status=%d code=%d msg=%s", e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("channel path=%s status=%d", e.Path, e.StatusCode)
}

// decodeError is a 2xx answer whose body could not be read.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "channel decode: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// WhatsApp posts messages to the WhatsApp Cloud API.
type WhatsApp struct {
	baseURL    string
	apiVersion string
	client     *http.Client
	br         *Breaker
	lim        *rate.Limiter
}

type Options struct {
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
	RPS           float64 // 0 = unpaced
	Burst         int
	FailThreshold int
	OpenFor       time.Duration
	HTTPClient    *http.Client
}

func NewWhatsApp(o Options) *WhatsApp {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.APIVersion == "" {
		o.APIVersion = "v19.0"
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}

	w := &WhatsApp{
		baseURL:    strings.TrimRight(o.BaseURL, "/"),
		apiVersion: strings.Trim(o.APIVersion, "/"),
		client:     hc,
		br:         NewBreaker(o.FailThreshold, o.OpenFor),
	}
	if o.RPS > 0 {
		burst := o.Burst
		if burst <= 0 {
			burst = 1
		}
		w.lim = rate.NewLimiter(rate.Limit(o.RPS), burst)
	}
	return w
}

type textBody struct {
	Body string `json:"body"`
}

type sendPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type readPayload struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText delivers one text message and returns the channel's message id.
// An accepted message without a readable id is reported as sent with an
// empty id. Only transport errors, 5xx and 429 count against the breaker; a 4xx is the
// caller's own token or endpoint id and says nothing about the channel.
func (w *WhatsApp) SendText(ctx context.Context, msg model.OutboundMessage) (string, error) {
	if !w.br.TryAcquire() {
		return "", ErrBreakerOpen
	}
	if w.lim != nil {
		if err := w.lim.Wait(ctx); err != nil {
			w.br.Release()
			return "", err
		}
	}

	var out sendResponse
	err := w.post(ctx, msg.PhoneNumberID, msg.Token, sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               util.NormalizePhone(msg.To),
		Type:             "text",
		Text:             textBody{Body: msg.Body},
	}, &out)
	var de *decodeError
	switch {
	case err == nil, errors.As(err, &de):
		w.br.OnSuccess()
	case ctx.Err() == nil && unhealthy(err):
		w.br.OnFailure()
		return "", err
	default:
		w.br.Release()
		return "", err
	}

	if len(out.Messages) == 0 {
		return "", nil // accepted
	}
	return out.Messages[0].ID, nil
}

func unhealthy(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// MarkRead acknowledges an inbound message.
func (w *WhatsApp) MarkRead(ctx context.Context, phoneNumberID, messageID, token string) error {
	return w.post(ctx, phoneNumberID, token, readPayload{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}, nil)
}

func (w *WhatsApp) post(ctx context.Context, phoneNumberID, token string, payload, out any) error {
	path := "/" + w.apiVersion + "/" + url.PathEscape(phoneNumberID) + "/messages"
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	if res.StatusCode/100 != 2 {
		se := &SendError{Path: path, StatusCode: res.StatusCode}
		var env struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return se
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &decodeError{err: err}
		}
	}
	return nil
}
