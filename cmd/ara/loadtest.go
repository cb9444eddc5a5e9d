package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

var defaultUtterances = []string{
	"190번 버스 도착 정보",
	"190 해양대구본관 출발",
	"영도 날씨",
	"동삼동 지금 기온 어때",
	"오늘 학식 메뉴 알려줘",
	"내일 기숙사 식당 메뉴",
	"최신 공지사항 알려줘",
	"학사 공지 보여줘",
	"오늘의 브리핑",
	"도서관 몇 시까지 해?",
	"셔틀버스 시간표",
	"취업 상담 어디서 해?",
}

type loadConfig struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	Ceiling     time.Duration
	Utterances  []string
}

type loadStats struct {
	total       atomic.Int64
	success     atomic.Int64
	errors      atomic.Int64
	overCeiling atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
	byStatus  map[string]int64
	ceiling   time.Duration
}

func newLoadStats(ceiling time.Duration) *loadStats {
	return &loadStats{
		latencies: make([]time.Duration, 0, 100000),
		codes:     make(map[int]int64),
		byStatus:  make(map[string]int64),
		ceiling:   ceiling,
	}
}

// record counts one request. status is the answer's result status, empty
// when the body could not be read.
func (s *loadStats) record(took time.Duration, code int, status string, err error) {
	s.total.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	if code >= 200 && code < 300 {
		s.success.Add(1)
	} else {
		s.errors.Add(1)
	}
	if s.ceiling > 0 && took > s.ceiling {
		s.overCeiling.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, took)
	s.codes[code]++
	if status != "" {
		s.byStatus[status]++
	}
	s.mu.Unlock()
}

func newLoadtestCmd() *cobra.Command {
	cfg := loadConfig{Utterances: defaultUtterances}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Send concurrent ask requests to a running server and report latency",
		Args:  cobra.NoArgs,
		// No config or logger setup is needed to drive a remote server.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Concurrency <= 0 {
				return errors.New("--concurrency must be positive")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== ara load test ===")
			fmt.Fprintf(out, "Target:      %s\n", cfg.BaseURL)
			fmt.Fprintf(out, "Concurrency: %d\n", cfg.Concurrency)
			fmt.Fprintf(out, "Duration:    %s\n", cfg.Duration)
			fmt.Fprintf(out, "Utterances:  %d unique\n\n", len(cfg.Utterances))

			stats := runLoad(cmd.Context(), cfg)
			return printLoadReport(out, stats, cfg.Duration)
		},
	}
	cmd.Flags().StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "base URL of the ara server")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().DurationVar(&cfg.Ceiling, "ceiling", 5*time.Second, "response time the chat platform tolerates")
	return cmd
}

func runLoad(parent context.Context, cfg loadConfig) *loadStats {
	stats := newLoadStats(cfg.Ceiling)
	client := &http.Client{
		Timeout: cfg.Ceiling * 2,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	ctx, cancel := context.WithTimeout(parent, cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(next int) {
			defer wg.Done()
			for ctx.Err() == nil {
				utterance := cfg.Utterances[next%len(cfg.Utterances)]
				next++
				start := time.Now()
				code, status, err := askOnce(ctx, client, cfg.BaseURL, utterance, fmt.Sprintf("loadtest-%d", next%cfg.Concurrency))
				if ctx.Err() != nil {
					return
				}
				stats.record(time.Since(start), code, status, err)
			}
		}(w)
	}
	wg.Wait()
	return stats
}

func askOnce(ctx context.Context, client *http.Client, baseURL, utterance, user string) (int, string, error) {
	body, err := json.Marshal(map[string]string{"utterance": utterance})
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/v1/ask", strings.NewReader(string(body)))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var ans struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, ans.Result.Status, nil
}

func printLoadReport(out io.Writer, stats *loadStats, duration time.Duration) error {
	total := stats.total.Load()
	fmt.Fprintln(out, "=== Results ===")
	fmt.Fprintf(out, "Total Requests:  %d\n", total)
	fmt.Fprintf(out, "Successful:      %d\n", stats.success.Load())
	fmt.Fprintf(out, "Errors:          %d\n", stats.errors.Load())
	fmt.Fprintf(out, "Over ceiling:    %d\n", stats.overCeiling.Load())
	if total > 0 {
		fmt.Fprintf(out, "Error Rate:      %.2f%%\n", float64(stats.errors.Load())/float64(total)*100)
		fmt.Fprintf(out, "Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	latencies := slices.Clone(stats.latencies)
	codes := make([]int, 0, len(stats.codes))
	for c := range stats.codes {
		codes = append(codes, c)
	}
	statuses := make([]string, 0, len(stats.byStatus))
	for s := range stats.byStatus {
		statuses = append(statuses, s)
	}
	stats.mu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		fmt.Fprintln(out, "\n=== Latency ===")
		fmt.Fprintf(out, "Min:    %s\n", latencies[0])
		fmt.Fprintf(out, "Avg:    %s\n", avg)
		fmt.Fprintf(out, "P50:    %s\n", latencyPercentile(latencies, 50))
		fmt.Fprintf(out, "P95:    %s\n", latencyPercentile(latencies, 95))
		fmt.Fprintf(out, "P99:    %s\n", latencyPercentile(latencies, 99))
		fmt.Fprintf(out, "Max:    %s\n", latencies[len(latencies)-1])
	}

	slices.Sort(codes)
	fmt.Fprintln(out, "\n=== Status Codes ===")
	stats.mu.Lock()
	for _, c := range codes {
		fmt.Fprintf(out, "  %d: %d\n", c, stats.codes[c])
	}
	slices.Sort(statuses)
	fmt.Fprintln(out, "\n=== Answer Status ===")
	for _, s := range statuses {
		fmt.Fprintf(out, "  %s: %d\n", s, stats.byStatus[s])
	}
	stats.mu.Unlock()

	if total == 0 {
		return errors.New("no requests completed; is the server running?")
	}
	return nil
}

func latencyPercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
