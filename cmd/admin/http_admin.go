package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// getCmd prints one read-only admin endpoint of a running server.
func getCmd(endpoint string, args []string) {
	fs := flag.NewFlagSet(endpoint, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	limit := fs.Int("limit", 0, "result limit (leaderboard)")
	_ = fs.Parse(args)

	u := adminURL(*baseURL, endpoint)
	if *limit > 0 {
		u += "?limit=" + fmt.Sprint(*limit)
	}
	req, _ := http.NewRequest(http.MethodGet, u, nil)
	do(req, 5*time.Second)
}

// coinsCmd adjusts a balance through the running server so the change is
// serialized with live traffic and audited.
func coinsCmd(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin coins grant|revoke|set -account ID -amount N")
		os.Exit(2)
	}
	op := args[0]
	fs := flag.NewFlagSet("coins "+op, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	account := fs.String("account", "", "account id")
	amount := fs.Int64("amount", 0, "coins")
	operator := fs.String("operator", os.Getenv("USER"), "recorded in the audit log")
	_ = fs.Parse(args[1:])

	if strings.TrimSpace(*account) == "" {
		fmt.Fprintln(os.Stderr, "missing -account")
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]any{
		"operator": *operator,
		"op":       op,
		"account":  strings.TrimSpace(*account),
		"amount":   *amount,
	})
	req, _ := http.NewRequest(http.MethodPost, adminURL(*baseURL, "coins"), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	do(req, 10*time.Second)
}

func spawnCmd(args []string) {
	fs := flag.NewFlagSet("spawn", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	channel := fs.String("channel", "general", "channel")
	item := fs.String("item", "", "item id (default: weighted roll)")
	_ = fs.Parse(args)

	q := url.Values{}
	q.Set("channel", *channel)
	if *item != "" {
		q.Set("item", *item)
	}
	req, _ := http.NewRequest(http.MethodPost, adminURL(*baseURL, "spawn")+"?"+q.Encode(), nil)
	do(req, 10*time.Second)
}

func remoteSnapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot take", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	req, _ := http.NewRequest(http.MethodPost, adminURL(*baseURL, "snapshot"), nil)
	do(req, 60*time.Second)
}

func adminURL(base, endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + endpoint
}

func do(req *http.Request, timeout time.Duration) {
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
