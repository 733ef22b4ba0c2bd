package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// Delivery is one outbound webhook request.
type Delivery struct {
	URL    string
	Secret string
	// Event names the X-Taskpilot-Event header.
	Event string
	// ID names the X-Taskpilot-Delivery header; receivers may dedupe on it.
	ID             string
	OrganizationID string
	Body           any
}

// Poster sends JSON webhooks. A non-2xx answer is an error.
type Poster struct {
	Client  *http.Client
	Timeout time.Duration
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p Poster) Post(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d.Body)
	if err != nil {
		return err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskpilot-webhook")
	if d.Event != "" {
		req.Header.Set("X-Taskpilot-Event", d.Event)
	}
	if d.ID != "" {
		req.Header.Set("X-Taskpilot-Delivery", d.ID)
	}
	if d.OrganizationID != "" {
		req.Header.Set("X-Taskpilot-Organization", d.OrganizationID)
	}
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set("X-Taskpilot-Signature", "sha256="+Sign(d.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", d.URL, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
