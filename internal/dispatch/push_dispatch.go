package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/accessible-dispatch/internal/models"
)

// WebhookNotifier posts events to a push provider's HTTP endpoint.
type WebhookNotifier struct {
	Endpoint string
	Key      string // optional bearer token
	Client   *http.Client
}

func NewWebhookNotifier(endpoint, key string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, driverID string, ev models.DispatchEvent) error {
	b, err := json.Marshal(map[string]any{"driver_id": driverID, "event": ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return nil
}
