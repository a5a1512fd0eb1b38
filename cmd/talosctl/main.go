package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/talos-agent/talos/internal/config"
	"github.com/talos-agent/talos/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "health":
		err = cmdHealth()
	case "tools":
		err = cmdTools()
	case "submit":
		err = cmdSubmit(os.Args[2:])
	case "invoke":
		err = cmdInvoke(os.Args[2:])
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: talosctl tickets <list|show|result|cancel>")
			os.Exit(1)
		}
		err = cmdTickets(os.Args[2], os.Args[3:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: talosctl config validate <path>")
			os.Exit(1)
		}
		err = cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdHealth() error {
	body, err := apiDo("GET", "/api/health", nil)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.TrimSpace(body)))
	return nil
}

func cmdTools() error {
	body, err := apiDo("GET", "/api/tools", nil)
	if err != nil {
		return err
	}
	var defs []protocol.ToolDefinition
	if err := json.Unmarshal(body, &defs); err != nil {
		return fmt.Errorf("decode tools: %w", err)
	}
	for _, d := range defs {
		fmt.Printf("%-28s %s\n", d.Function.Name, d.Function.Description)
	}
	return nil
}

func cmdSubmit(args []string) error {
	fs := pflag.NewFlagSet("submit", pflag.ExitOnError)
	toolArgs := fs.StringArrayP("arg", "a", nil, "tool argument as key=value (repeatable)")
	wait := fs.BoolP("wait", "w", false, "wait for the ticket to finish and print its result")
	timeout := fs.Duration("timeout", 2*time.Minute, "how long --wait waits")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: talosctl submit <tool> [--arg key=value ...] [--wait]")
	}
	params, err := parseArgs(*toolArgs)
	if err != nil {
		return err
	}

	body, err := apiDo("POST", "/api/tickets", protocol.TicketCreationRequest{Tool: fs.Arg(0), ToolArgs: params})
	if err != nil {
		return err
	}
	var t protocol.Ticket
	if err := json.Unmarshal(body, &t); err != nil {
		return fmt.Errorf("decode ticket: %w", err)
	}
	if !*wait {
		fmt.Printf("%s %s\n", t.ID, t.Status)
		return nil
	}
	return waitResult(t.ID, *timeout)
}

// waitResult polls until the ticket is terminal.
func waitResult(id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		body, status, err := apiRequest("GET", "/api/tickets/"+id+"/result", nil)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			fmt.Println(prettyJSON(body))
			return nil
		case status != http.StatusConflict:
			return fmt.Errorf("HTTP %d: %s", status, string(body))
		case time.Now().After(deadline):
			return fmt.Errorf("ticket %s not finished after %s", id, timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdInvoke(args []string) error {
	fs := pflag.NewFlagSet("invoke", pflag.ExitOnError)
	toolArgs := fs.StringArrayP("arg", "a", nil, "tool argument as key=value (repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: talosctl invoke <tool> [--arg key=value ...]")
	}
	params, err := parseArgs(*toolArgs)
	if err != nil {
		return err
	}
	body, err := apiDo("POST", "/api/tools/"+url.PathEscape(fs.Arg(0)), protocol.ToolCall{Arguments: params})
	if err != nil {
		return err
	}
	fmt.Println(prettyJSON(body))
	return nil
}

func cmdTickets(sub string, args []string) error {
	switch sub {
	case "list":
		fs := pflag.NewFlagSet("tickets list", pflag.ExitOnError)
		status := fs.StringP("status", "s", "", "filter by status (pending|running|completed|failed|cancelled)")
		toolName := fs.StringP("tool", "t", "", "filter by tool")
		limit := fs.IntP("limit", "n", 50, "max results")
		fs.Parse(args)

		q := url.Values{}
		q.Set("limit", strconv.Itoa(*limit))
		if *status != "" {
			q.Set("status", *status)
		}
		if *toolName != "" {
			q.Set("tool", *toolName)
		}
		body, err := apiDo("GET", "/api/tickets?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		var list struct {
			Tickets []protocol.Ticket `json:"tickets"`
			Total   int               `json:"total"`
		}
		if err := json.Unmarshal(body, &list); err != nil {
			return fmt.Errorf("decode tickets: %w", err)
		}
		for _, t := range list.Tickets {
			fmt.Printf("%-36s %-9s %-28s %s\n", t.ID, t.Status, t.Request.Tool, t.CreatedAt.Local().Format(time.DateTime))
		}
		fmt.Printf("%d of %d tickets\n", len(list.Tickets), list.Total)
		return nil
	case "show", "result", "cancel":
		if len(args) < 1 {
			return fmt.Errorf("usage: talosctl tickets %s <id>", sub)
		}
		path := "/api/tickets/" + url.PathEscape(args[0])
		method := "GET"
		switch sub {
		case "result":
			path += "/result"
		case "cancel":
			path += "/cancel"
			method = "POST"
		}
		body, err := apiDo(method, path, nil)
		if err != nil {
			return err
		}
		fmt.Println(prettyJSON(body))
		return nil
	}
	return fmt.Errorf("unknown tickets subcommand: %s", sub)
}

func cmdConfigValidate(path string) error {
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("invalid: %w", err)
	}
	fmt.Println("config is valid")
	return nil
}

// --- Helpers ---

func apiDo(method, path string, in any) ([]byte, error) {
	body, status, err := apiRequest(method, path, in)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", status, string(bytes.TrimSpace(body)))
	}
	return body, nil
}

func apiRequest(method, path string, in any) ([]byte, int, error) {
	base := envOr("TALOS_API_URL", "http://localhost:8080")

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("TALOS_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("talosctl - talos tool and ticket CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                     Check daemon health")
	fmt.Println("  tools                      List available tools")
	fmt.Println("  invoke <tool> [-a k=v]     Run a tool synchronously")
	fmt.Println("  submit <tool> [-a k=v]     Submit a ticket (--wait to block for the result)")
	fmt.Println("  tickets list               List tickets (--status, --tool, --limit)")
	fmt.Println("  tickets show <id>          Show ticket details")
	fmt.Println("  tickets result <id>        Show a finished ticket's result")
	fmt.Println("  tickets cancel <id>        Cancel a pending or running ticket")
	fmt.Println("  config validate <path>     Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TALOS_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  TALOS_API_KEY   API key for authentication")
}
