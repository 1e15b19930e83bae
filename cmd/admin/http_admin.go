package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func healthCmd(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8085", "tracker base url")
	_ = fs.Parse(args)
	get(strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/healthz")
}

func metricsCmd(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8085", "tracker metrics base url")
	filter := fs.String("grep", "explora_", "only lines containing this text")
	_ = fs.Parse(args)

	b := get(strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/metrics")
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "#") || !strings.Contains(line, *filter) {
			continue
		}
		fmt.Println(line)
	}
}

func get(u string) []byte {
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		fmt.Fprintln(os.Stderr, resp.Status, string(b))
		os.Exit(1)
	}
	if !strings.HasSuffix(u, "/metrics") {
		fmt.Println(string(b))
	}
	return b
}
