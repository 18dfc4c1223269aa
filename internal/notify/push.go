package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMPush posts JSON to an FCM HTTPv1 endpoint using a server key or
// oauth token. Used as a best-effort fallback when a worker has no live
// websocket session.
type FCMPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPush(endpoint, key string) *FCMPush {
	return &FCMPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPush) Send(userID string, ev Event) error {
	body := map[string]any{"message": map[string]any{
		"token": "",
		"data":  map[string]any{"user_id": userID, "event": ev},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
