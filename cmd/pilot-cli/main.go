// pilot-cli is the operator command line for the policy control daemon.
// It talks to pilotd's admin API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

// Exit codes: 0 ok, 1 usage, 2 daemon unreachable, 3 operation refused.
const (
	exitOK          = 0
	exitUsage       = 1
	exitUnreachable = 2
	exitRefused     = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	adminURL := os.Getenv("PILOT_ADMIN_URL")
	if adminURL == "" {
		adminURL = "http://localhost:8199"
	}

	switch os.Args[1] {
	case "rollback":
		cmdRollback(adminURL)
	case "shadow-report":
		cmdShadowReport(adminURL)
	case "set-mode":
		cmdSetMode(adminURL)
	case "approve":
		cmdApprove(adminURL)
	case "unblock":
		cmdUnblock(adminURL)
	case "status":
		cmdStatus(adminURL)
	case "version":
		fmt.Printf("pilot-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Println(`pilot-cli v` + version + `

Usage: pilot-cli <command> [args]

Commands:
  status                         Daemon health
  shadow-report [since-RFC3339]  Counterfactual decision counts
  set-mode <shadow|canary|active> [--yes]
                                 Switch operating mode (--yes required for active)
  approve <decision-id>          Approve a pending channel close
  unblock <channel-id>           Clear a channel's do-not-touch flag
  rollback <transaction-id> [reason]
                                 Restore the policy a transaction overwrote
  version                        Print version

Environment:
  PILOT_ADMIN_URL   Admin API base URL (default http://localhost:8199)`)
}

func cmdStatus(adminURL string) {
	body, code := doRequest(http.MethodGet, adminURL+"/healthz", nil)
	fmt.Println(string(body))
	if code != http.StatusOK {
		os.Exit(exitRefused)
	}
}

func cmdShadowReport(adminURL string) {
	url := adminURL + "/v1/shadow-report"
	if len(os.Args) > 2 {
		url += "?since=" + os.Args[2]
	}
	body, code := doRequest(http.MethodGet, url, nil)
	if code != http.StatusOK {
		fmt.Fprintln(os.Stderr, string(body))
		os.Exit(exitRefused)
	}
	fmt.Println(string(body))
}

func cmdSetMode(adminURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: pilot-cli set-mode <shadow|canary|active> [--yes]")
		os.Exit(exitUsage)
	}
	mode := os.Args[2]
	confirm := len(os.Args) > 3 && os.Args[3] == "--yes"
	if mode == "active" && !confirm {
		fmt.Fprintln(os.Stderr, "activating live mutations requires --yes")
		os.Exit(exitUsage)
	}

	payload, _ := json.Marshal(map[string]interface{}{"mode": mode, "confirm": confirm})
	body, code := doRequest(http.MethodPost, adminURL+"/v1/mode", payload)
	if code != http.StatusOK {
		fmt.Fprintln(os.Stderr, string(body))
		os.Exit(exitRefused)
	}
	fmt.Printf("mode set to %s\n", mode)
}

func cmdApprove(adminURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: pilot-cli approve <decision-id>")
		os.Exit(exitUsage)
	}
	body, code := doRequest(http.MethodPost, adminURL+"/v1/decisions/"+os.Args[2]+"/approve", nil)
	if code != http.StatusOK {
		fmt.Fprintln(os.Stderr, string(body))
		os.Exit(exitRefused)
	}
	fmt.Println("approved; the close executes on the next tick")
}

func cmdUnblock(adminURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: pilot-cli unblock <channel-id>")
		os.Exit(exitUsage)
	}
	body, code := doRequest(http.MethodDelete, adminURL+"/v1/channels/"+os.Args[2]+"/do-not-touch", nil)
	if code != http.StatusOK {
		fmt.Fprintln(os.Stderr, string(body))
		os.Exit(exitRefused)
	}
	fmt.Println("do-not-touch cleared; the channel re-enters the loop next tick")
}

func cmdRollback(adminURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: pilot-cli rollback <transaction-id> [reason]")
		os.Exit(exitUsage)
	}
	reason := "operator requested"
	if len(os.Args) > 3 {
		reason = os.Args[3]
	}

	payload, _ := json.Marshal(map[string]string{
		"transaction_id": os.Args[2],
		"reason":         reason,
	})
	body, code := doRequest(http.MethodPost, adminURL+"/v1/rollback", payload)
	if code != http.StatusOK {
		fmt.Fprintln(os.Stderr, string(body))
		os.Exit(exitRefused)
	}
	fmt.Println("rolled back")
}

func doRequest(method, url string, payload []byte) ([]byte, int) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad request: %v\n", err)
		os.Exit(exitUsage)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach pilotd at %s: %v\n", url, err)
		os.Exit(exitUnreachable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return bytes.TrimSpace(body), resp.StatusCode
}
