package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/syn4pse1/chambatelef/config"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// CallClient places outbound calls through the Twilio REST API. This is
// request/response glue around the relay, not part of the relay itself.
type CallClient struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
}

func NewCallClient(cfg *config.Config) *CallClient {
	return &CallClient{
		accountSID: cfg.TwilioAccountSID,
		authToken:  cfg.TwilioAuthToken,
		fromNumber: cfg.TwilioNumber,
		baseURL:    twilioAPIBase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Place creates one outbound call whose answer webhook is voiceURL.
// Returns the call SID.
func (c *CallClient) Place(ctx context.Context, to, voiceURL string) (string, error) {
	if c.accountSID == "" || c.authToken == "" || c.fromNumber == "" {
		return "", fmt.Errorf("twilio credentials not configured")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Url", voiceURL)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build call request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read call response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("call API returned %d: %s", resp.StatusCode, body)
	}

	var created struct {
		Sid string `json:"sid"`
	}
	if err := sonic.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to decode call response: %w", err)
	}
	return created.Sid, nil
}

// handleCall triggers an outbound call: GET /call?to=+E.164
func (s *Twilio) handleCall(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing ?to= parameter"})
		return
	}

	host := s.config.PublicHost
	if host == "" {
		host = r.Host
	}
	voiceURL := "https://" + host + "/voice"

	callSid, err := s.calls.Place(r.Context(), to, voiceURL)
	if err != nil {
		log.Printf("❌ Failed to place outbound call: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	log.Printf("📞 Outbound call created: %s -> %s", callSid, to)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"callSid": callSid,
		"to":      to,
		"from":    s.calls.fromNumber,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
