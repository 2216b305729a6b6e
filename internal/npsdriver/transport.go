package npsdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lvmcryo/cryofill/internal/errkind"
)

// httpTransport speaks the request/response RPC of spec §6 over HTTP: one
// POST per command, body `{"command": "...", "outlet": "...", ...}`,
// addressed to the actor's own endpoint under baseURL. No dedicated RPC
// client library covers this protocol anywhere in the retrieval pack, so
// this wraps a plain *http.Client the way the teacher's handler package
// wraps vendor SDK clients — one small struct per collaborator, no
// abstraction beyond what the wire format needs.
type httpTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport constructs a Transport against an NPS control-plane
// actor reachable at baseURL (e.g. "http://nps-ctl.lvm.local:9999").
func NewHTTPTransport(baseURL string, client *http.Client) Transport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &httpTransport{baseURL: baseURL, client: client}
}

type rpcRequest struct {
	Command  string   `json:"command"`
	Outlet   string   `json:"outlet,omitempty"`
	OutletID string   `json:"outlet_id,omitempty"`
	Seconds  float64  `json:"seconds,omitempty"`
	ThreadID *int64   `json:"thread_id,omitempty"`
}

type rpcReply struct {
	OutletInfo *struct {
		ID    string `json:"id"`
		State bool   `json:"state"`
	} `json:"outlet_info"`
	Script *struct {
		ThreadID int64 `json:"thread_id"`
	} `json:"script"`
	SafetyStatusLabels []string `json:"safety_status_labels"`
	Error              string   `json:"error"`
}

func (t *httpTransport) call(ctx context.Context, actor string, req rpcRequest) (rpcReply, error) {
	var reply rpcReply

	body, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}

	url := fmt.Sprintf("%s/%s", t.baseURL, actor)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return reply, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return reply, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reply, fmt.Errorf("nps actor %s: command %s: status %d", actor, req.Command, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return reply, err
	}
	if reply.Error != "" {
		return reply, errkind.New(errkind.NpsUnreachable, reply.Error)
	}
	return reply, nil
}

func (t *httpTransport) Status(ctx context.Context, actor, outlet string) (OutletInfo, error) {
	reply, err := t.call(ctx, actor, rpcRequest{Command: "status", Outlet: outlet})
	if err != nil {
		return OutletInfo{}, err
	}
	if reply.OutletInfo == nil {
		return OutletInfo{}, errkind.New(errkind.NpsUnreachable, "status reply missing outlet_info")
	}
	return OutletInfo{ID: reply.OutletInfo.ID, State: reply.OutletInfo.State}, nil
}

func (t *httpTransport) On(ctx context.Context, actor, outlet string) error {
	_, err := t.call(ctx, actor, rpcRequest{Command: "on", Outlet: outlet})
	return err
}

func (t *httpTransport) OnWithOffAfter(ctx context.Context, actor, outlet string, after time.Duration) error {
	_, err := t.call(ctx, actor, rpcRequest{Command: "on --off-after", Outlet: outlet, Seconds: after.Seconds()})
	return err
}

func (t *httpTransport) Off(ctx context.Context, actor, outlet string) error {
	_, err := t.call(ctx, actor, rpcRequest{Command: "off", Outlet: outlet})
	return err
}

func (t *httpTransport) RunCycleWithTimeout(ctx context.Context, actor, outletID string, seconds float64) (int64, error) {
	reply, err := t.call(ctx, actor, rpcRequest{Command: "scripts run cycle_with_timeout", OutletID: outletID, Seconds: seconds})
	if err != nil {
		return 0, err
	}
	if reply.Script == nil {
		return 0, errkind.New(errkind.NpsUnreachable, "cycle_with_timeout reply missing script.thread_id")
	}
	return reply.Script.ThreadID, nil
}

func (t *httpTransport) StopScript(ctx context.Context, actor string, threadID *int64) error {
	_, err := t.call(ctx, actor, rpcRequest{Command: "scripts stop", ThreadID: threadID})
	return err
}
