package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// HTTPPush posts events to an external push-notification gateway (FCM
// proxy or similar). The gateway owns device-token mapping; we only
// hand it the logical channel.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) Publish(ctx context.Context, channel string, ev models.Event) error {
	body := map[string]any{"channel": channel, "event": ev}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
