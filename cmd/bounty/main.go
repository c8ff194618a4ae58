// Command bounty is the bounty marketplace CLI client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/openbounty/bountyd/internal/version"
	"github.com/openbounty/bountyd/update"
)

const defaultServer = "http://localhost:9190"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "bountyd server URL")
		token     = flag.String("token", os.Getenv("BOUNTY_TOKEN"), "JWT auth token")
		agentID   = flag.Uint64("agent", 0, "agent id to act as (or $BOUNTY_AGENT)")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		AgentID:    *agentID,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "bounties":
		err = cli.cmdBounties(rest)
	case "bounty":
		err = cli.cmdBounty(rest)
	case "agent":
		err = cli.cmdAgent(rest)
	case "balance":
		err = cli.cmdBalance(rest)
	case "update":
		err = cmdUpdate(rest)
	case "serve":
		fmt.Fprintln(os.Stderr, "use bountyd to run the server")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `bounty — bounty marketplace CLI

Usage:
  bounty [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9190)
  --token   <token>  JWT auth token (or $BOUNTY_TOKEN)
  --agent   <id>     agent id to act as

Commands:
  version                       print version
  status                        show server status
  bounties [status]             list bounties, optionally by status
  bounty get <id>               show a bounty and its escrow
  bounty claim <id>             claim an open bounty
  bounty submit <id> <ref>      submit work for a claimed bounty
  bounty approve <id> <rating>  approve submitted work
  bounty cancel <id>            cancel an open bounty
  agent get <id>                show an agent profile
  agent register <uri>          register a new agent
  balance <token> <address>     show a ledger balance
  update                        self-update from the latest release
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("bounty %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	AgentID    uint64
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %v\n", result["status"])
	fmt.Printf("version: %v\n", result["version"])
	fmt.Printf("uptime:  %v\n", result["uptime"])
	return nil
}

// --- bounties ---

func (c *Client) cmdBounties(args []string) error {
	path := "/api/bounties"
	if len(args) > 0 {
		path += "?status=" + url.QueryEscape(args[0])
	}
	var result struct {
		Bounties []map[string]any `json:"bounties"`
	}
	if err := c.get(path, &result); err != nil {
		return err
	}
	if len(result.Bounties) == 0 {
		fmt.Println("no bounties")
		return nil
	}
	fmt.Printf("%-6s %-30s %-10s %-18s %-8s\n", "ID", "TITLE", "STATUS", "REWARD", "HUNTER")
	fmt.Println(strings.Repeat("-", 76))
	for _, b := range result.Bounties {
		fmt.Printf("%-6s %-30s %-10s %-18s %-8s\n",
			strVal(b["id"]),
			truncate(strVal(b["title"]), 29),
			strVal(b["status"]),
			strVal(b["reward_amount"])+" "+strVal(b["reward_token"]),
			strVal(b["claimed_by"]),
		)
	}
	return nil
}

// --- bounty subcommands ---

func (c *Client) cmdBounty(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bounty bounty <get|claim|submit|approve|cancel> <id> [args]")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "get":
		var b map[string]any
		if err := c.get("/api/bounties/"+id, &b); err != nil {
			return err
		}
		return printJSON(b)
	case "claim":
		if err := c.act("/api/bounties/"+id+"/claim", nil); err != nil {
			return err
		}
		fmt.Printf("claimed bounty %s\n", id)
	case "submit":
		if len(args) < 3 {
			return fmt.Errorf("usage: bounty bounty submit <id> <ref>")
		}
		if err := c.act("/api/bounties/"+id+"/submit", map[string]any{"submission_ref": args[2]}); err != nil {
			return err
		}
		fmt.Printf("submitted bounty %s\n", id)
	case "approve":
		if len(args) < 3 {
			return fmt.Errorf("usage: bounty bounty approve <id> <rating>")
		}
		var rating int
		if _, err := fmt.Sscanf(args[2], "%d", &rating); err != nil {
			return fmt.Errorf("invalid rating: %s", args[2])
		}
		if err := c.act("/api/bounties/"+id+"/approve", map[string]any{"rating": rating}); err != nil {
			return err
		}
		fmt.Printf("approved bounty %s\n", id)
	case "cancel":
		if err := c.act("/api/bounties/"+id+"/cancel", nil); err != nil {
			return err
		}
		fmt.Printf("cancelled bounty %s\n", id)
	default:
		return fmt.Errorf("unknown bounty subcommand: %s", sub)
	}
	return nil
}

// act posts a lifecycle action with the acting agent id merged in.
func (c *Client) act(path string, extra map[string]any) error {
	if c.AgentID == 0 {
		return fmt.Errorf("an agent id is required (--agent)")
	}
	body := map[string]any{"agent_id": c.AgentID}
	for k, v := range extra {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.post(path, strings.NewReader(string(data)), nil)
}

// --- agent subcommands ---

func (c *Client) cmdAgent(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bounty agent <get|register> <id|uri>")
		os.Exit(1)
	}
	sub := args[0]
	switch sub {
	case "get":
		var a map[string]any
		if err := c.get("/api/agents/"+args[1], &a); err != nil {
			return err
		}
		return printJSON(a)
	case "register":
		body := fmt.Sprintf(`{"uri":%q}`, args[1])
		var result map[string]any
		if err := c.post("/api/agents", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("registered agent %s\n", strVal(result["agent_id"]))
	default:
		return fmt.Errorf("unknown agent subcommand: %s", sub)
	}
	return nil
}

// --- balance ---

func (c *Client) cmdBalance(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bounty balance <token> <address>")
		os.Exit(1)
	}
	var result map[string]string
	path := "/api/balances?token=" + url.QueryEscape(args[0]) + "&address=" + url.QueryEscape(args[1])
	if err := c.get(path, &result); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", result["balance"], result["token"])
	return nil
}

// --- update ---

func cmdUpdate(_ []string) error {
	u := update.New(version.Version)
	rel, err := u.CheckForUpdate()
	if err != nil {
		return err
	}
	if rel == nil {
		fmt.Println("already up to date")
		return nil
	}
	fmt.Printf("updating to %s...\n", rel.Version)
	if err := u.ApplyUpdate(rel); err != nil {
		return err
	}
	fmt.Println("updated")
	return nil
}

// --- helpers ---

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
