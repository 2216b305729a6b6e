package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpO2Transport speaks the O2 alerts endpoint of spec §6: a bare HTTP GET
// returning at least `{"o2_alert": bool}`.
type httpO2Transport struct {
	url    string
	client *http.Client
}

// NewHTTPO2Transport constructs an O2Transport against a GET endpoint.
func NewHTTPO2Transport(url string, client *http.Client) O2Transport {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &httpO2Transport{url: url, client: client}
}

func (t *httpO2Transport) FetchO2Alert(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return false, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("o2 alert endpoint: status %d", resp.StatusCode)
	}

	var body struct {
		O2Alert bool `json:"o2_alert"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.O2Alert, nil
}

// actorEStopTransport reads e-stop state from the same control-plane
// actor's `status` reply the NPS driver addresses, field
// `safety_status_labels` (spec §6). It is a standalone client rather than
// a reuse of internal/npsdriver's transport so that package can depend on
// this one (for its own e-stop interlock) without a cycle.
type actorEStopTransport struct {
	url    string
	actor  string
	client *http.Client
}

// NewActorEStopTransport constructs an EStopTransport against the
// control-plane actor's status endpoint, reached at
// fmt.Sprintf("%s/%s", baseURL, actor).
func NewActorEStopTransport(baseURL, actor string, client *http.Client) EStopTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &actorEStopTransport{url: baseURL, actor: actor, client: client}
}

func (t *actorEStopTransport) FetchSafetyStatusLabels(ctx context.Context) ([]string, error) {
	body, err := json.Marshal(map[string]string{"command": "status"})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s", t.url, t.actor)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status actor %s: status %d", t.actor, resp.StatusCode)
	}

	var reply struct {
		SafetyStatusLabels []string `json:"safety_status_labels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return reply.SafetyStatusLabels, nil
}
