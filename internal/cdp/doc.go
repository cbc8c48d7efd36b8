/*
Package cdp implements the Chrome DevTools Protocol transport.

# Overview

Each browser page is driven over its own multiplexed websocket. Conn frames
commands as {id, method, params}, matches responses by sequence id, and
fans unsolicited events out to method-pattern subscriptions in receive
order. A socket failure fails every in-flight call, closes every
subscription and marks the connection dead; connections are never reused
after a failure — the owning session is discarded instead.

Browser wraps the browser-level endpoint: version discovery over
/json/version, target creation and teardown over the control websocket.

# Usage

	browser, err := cdp.ConnectBrowser(ctx, "localhost:9222", logger)
	_, wsURL, err := browser.NewTarget(ctx)
	conn, err := cdp.Dial(ctx, wsURL, logger)

	var result struct{ FrameID string `json:"frameId"` }
	err = conn.Call(ctx, "Page.navigate", map[string]string{"url": url}, &result)

	sub := conn.Subscribe("Page.*")
	defer sub.Close()
	for ev := range sub.Events() {
		...
	}
*/
package cdp
