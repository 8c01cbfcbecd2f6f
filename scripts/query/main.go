package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"NetTrafficSentinel/internal/query"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to read the SQLite database.")
	view := flag.String("view", "top", "What to show: 'top', 'timeline' or 'flow'.")
	flowKey := flag.String("flow", "", "Flow key for -view flow, e.g. 192.168.1.10->198.51.100.7.")
	apiBase := flag.String("api", "http://localhost:8080", "API base URL.")
	dbPath := flag.String("db", "/data/traffic.db", "SQLite database path for direct mode.")
	since := flag.Duration("since", 24*time.Hour, "How far back to query.")
	limit := flag.Int("limit", 20, "Number of flows for -view top.")
	flag.Parse()

	to := time.Now()
	from := to.Add(-*since)
	log.Printf("Running in '%s' mode, %s view.", *mode, *view)

	switch *mode {
	case "api":
		queryViaAPI(*apiBase, *view, *flowKey, from, to, *limit)
	case "direct":
		queryDirect(*dbPath, *view, *flowKey, from, to, *limit)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

func queryViaAPI(base, view, key string, from, to time.Time, limit int) {
	params := url.Values{}
	params.Set("from", fmt.Sprint(from.Unix()))
	params.Set("to", fmt.Sprint(to.Unix()))

	var path string
	switch view {
	case "top":
		path = "/api/v1/history/top"
		params.Set("limit", fmt.Sprint(limit))
	case "timeline":
		path = "/api/v1/history/timeline"
	case "flow":
		path = "/api/v1/history/flows/" + url.PathEscape(key)
	default:
		log.Fatalf("Invalid view: %s", view)
	}
	apiURL := base + path + "?" + params.Encode()

	log.Printf("Sending request to %s", apiURL)
	resp, err := http.Get(apiURL)
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned non-200 status code: %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}
	fmt.Println(prettyJSON.String())
}

func queryDirect(dbPath, view, key string, from, to time.Time, limit int) {
	q, err := query.NewSQLiteQuerier(dbPath)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch view {
	case "top":
		flows, err := q.TopFlows(ctx, from, to, limit)
		if err != nil {
			log.Fatalf("Error executing query: %v", err)
		}
		for _, f := range flows {
			fmt.Printf("%-50s %12d B %8d pkts\n", f.Key, f.Bytes, f.Packets)
		}
	case "timeline":
		points, err := q.Timeline(ctx, from, to)
		if err != nil {
			log.Fatalf("Error executing query: %v", err)
		}
		for _, p := range points {
			fmt.Printf("%s  flows=%-6d bytes=%-12d packets=%d\n", p.EpochEnd.Local().Format("2006-01-02 15:04:05"), p.Flows, p.Bytes, p.Packets)
		}
	case "flow":
		points, err := q.FlowHistory(ctx, key, from, to)
		if err != nil {
			log.Fatalf("Error executing query: %v", err)
		}
		for _, p := range points {
			fmt.Printf("%s  bytes=%-12d packets=%d\n", p.EpochEnd.Local().Format("2006-01-02 15:04:05"), p.Bytes, p.Packets)
		}
	default:
		log.Fatalf("Invalid view: %s", view)
	}
}
