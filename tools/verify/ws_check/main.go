// Command ws_check probes a running goloft daemon over the WebSocket
// JSON-RPC surface: auth enforcement, system.status, project.open on a
// scratch folder, and an events.subscribe replay. Exits 0 on PASS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18930/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token configured on the gateway (empty for an open daemon)")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// When a token is configured, a bare dial must bounce with 401 before
	// the authorized dial is attempted.
	if strings.TrimSpace(*token) != "" {
		_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
		if unauthErr == nil {
			fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
			os.Exit(1)
		}
		if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
			fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
			os.Exit(1)
		}
		fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)
	}

	var opts *websocket.DialOptions
	if strings.TrimSpace(*token) != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
			},
		}
	}
	conn, _, err := websocket.Dial(ctx, *url, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	scratch, err := os.MkdirTemp("", "goloft-ws-check-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "scratch dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(scratch)

	requests := []rpcRequest{
		{JSONRPC: "2.0", ID: 0, Method: "system.status", Params: map[string]interface{}{}},
		{JSONRPC: "2.0", ID: 1, Method: "project.open", Params: map[string]interface{}{"root_path": scratch}},
		{JSONRPC: "2.0", ID: 2, Method: "events.subscribe", Params: map[string]interface{}{"since_id": 0}},
		{JSONRPC: "2.0", ID: 3, Method: "no.such.method", Params: map[string]interface{}{}},
	}

	for _, req := range requests {
		fmt.Printf(">> %s\n", mustJSON(req))
		if err := wsjson.Write(ctx, conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		resp, err := readResponse(ctx, conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		switch req.Method {
		case "system.status", "project.open", "events.subscribe":
			if hasAnyError(resp) {
				fmt.Fprintf(os.Stderr, "expected successful %s\n", req.Method)
				os.Exit(1)
			}
		case "no.such.method":
			if !hasErrorCode(resp, -32601) {
				fmt.Fprintln(os.Stderr, "expected method-not-found error (-32601) for unknown method")
				os.Exit(1)
			}
		}
	}

	fmt.Println("VERDICT PASS")
}

// readResponse skips server-push notifications (frames without an id) so the
// checks line up request to response even while events stream in.
func readResponse(ctx context.Context, conn *websocket.Conn) (map[string]interface{}, error) {
	for {
		var resp map[string]interface{}
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return nil, err
		}
		if _, ok := resp["id"]; ok {
			return resp, nil
		}
	}
}

func hasAnyError(resp map[string]interface{}) bool {
	_, ok := resp["error"]
	return ok && resp["error"] != nil
}

func hasErrorCode(resp map[string]interface{}, want int) bool {
	errVal, ok := resp["error"]
	if !ok || errVal == nil {
		return false
	}
	errMap, ok := errVal.(map[string]interface{})
	if !ok {
		return false
	}
	code, ok := errMap["code"].(float64)
	if !ok {
		return false
	}
	return int(code) == want
}
