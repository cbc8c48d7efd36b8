package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
)

// Browser is a client for the browser-level devtools endpoint. It owns the
// control connection used to create and close page targets; page sessions
// dial their own per-target connections.
type Browser struct {
	endpoint string // host:port
	http     *resty.Client
	logger   *logging.Logger
	ctrl     *Conn
}

// ConnectBrowser discovers the browser websocket url via /json/version and
// attaches the control connection. It fails when the browser is not
// reachable, which callers treat as fatal at startup.
func ConnectBrowser(ctx context.Context, endpoint string, logger *logging.Logger) (*Browser, error) {
	b := &Browser{
		endpoint: endpoint,
		http: resty.New().
			SetBaseURL("http://" + endpoint).
			SetTimeout(10 * time.Second),
		logger: logger,
	}

	version, err := b.Version(ctx)
	if err != nil {
		return nil, err
	}
	if version.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("cdp: browser at %s reports no websocket debugger url", endpoint)
	}

	ctrl, err := Dial(ctx, version.WebSocketDebuggerURL, logger.Named("browser"))
	if err != nil {
		return nil, err
	}
	b.ctrl = ctrl
	return b, nil
}

// Version fetches the browser's /json/version payload.
func (b *Browser) Version(ctx context.Context) (*VersionInfo, error) {
	var version VersionInfo
	res, err := b.http.R().
		SetContext(ctx).
		SetResult(&version).
		Get("/json/version")
	if err != nil {
		return nil, fmt.Errorf("cdp: browser unreachable at %s: %w", b.endpoint, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("cdp: browser version endpoint returned %s", res.Status())
	}
	return &version, nil
}

// ListPages lists all debuggable page targets via /json/list.
func (b *Browser) ListPages(ctx context.Context) ([]TargetInfo, error) {
	var targets []TargetInfo
	res, err := b.http.R().
		SetContext(ctx).
		SetResult(&targets).
		Get("/json/list")
	if err != nil {
		return nil, fmt.Errorf("cdp: list targets: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("cdp: list targets returned %s", res.Status())
	}
	pages := targets[:0]
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// NewTarget creates a blank page target and returns its id and the
// websocket url for driving it.
func (b *Browser) NewTarget(ctx context.Context) (targetID, wsURL string, err error) {
	var result struct {
		TargetID string `json:"targetId"`
	}
	params := map[string]string{"url": "about:blank"}
	if err := b.ctrl.Call(ctx, "Target.createTarget", params, &result); err != nil {
		return "", "", err
	}
	return result.TargetID, fmt.Sprintf("ws://%s/devtools/page/%s", b.endpoint, result.TargetID), nil
}

// CloseTarget closes a page target and returns the control connection's
// error. Callers treat it as best effort and log or ignore a failure, since
// the browser reaps orphaned targets on restart.
func (b *Browser) CloseTarget(ctx context.Context, targetID string) error {
	params := map[string]string{"targetId": targetID}
	var result json.RawMessage
	return b.ctrl.Call(ctx, "Target.closeTarget", params, &result)
}

// Close drops the control connection.
func (b *Browser) Close() error {
	if b.ctrl != nil {
		return b.ctrl.Close()
	}
	return nil
}
