// http-loadgen is a tiny, dependency-free HTTP load generator for the rate
// limiter. It reuses HTTP connections (keep-alive) and supports concurrency
// so demo scripts run fast on Windows (Git Bash), Ubuntu (WSL), and macOS
// without relying on external tools.
//
// Modes:
//   - single: send N requests with a single API key
//   - mixed:  rotate through a comma-separated key list round-robin
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -key=demo_free_key_123 -n=100 -c=8
//	http-loadgen -base=http://127.0.0.1:8080 -mode=mixed -keys=demo_free_key_123,demo_pro_key_789 -n=500 -c=16
//
// The summary reports how many requests were admitted, limited, rejected,
// or blocked, so limit enforcement is visible at a glance.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeMixed  modeType = "mixed"
)

type tally struct {
	admitted int64 // 200
	limited  int64 // 429
	rejected int64 // 400/401
	other    int64
	errors   int64
}

func main() {
	var (
		base   = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		path   = flag.String("path", "/api/test", "Request path")
		header = flag.String("header", "X-API-Key", "Header carrying the API key")
		modeS  = flag.String("mode", string(modeSingle), "Mode: single|mixed")
		key    = flag.String("key", "demo_free_key_123", "API key for single mode")
		keys   = flag.String("keys", "demo_free_key_123,demo_pro_key_789", "Comma-separated API keys for mixed mode")
		N      = flag.Int("n", 100, "Total requests to send")
		conc   = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeMixed {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	keyList := []string{*key}
	if m == modeMixed {
		keyList = strings.Split(*keys, ",")
		if len(keyList) == 0 {
			fmt.Fprintln(os.Stderr, "-keys must list at least one key in mixed mode")
			os.Exit(2)
		}
	}

	// Build base + path
	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var counts tally

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			k := keyList[(i+id)%len(keyList)]
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
			req.Header.Set(*header, k)
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&counts.errors, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt64(&counts.admitted, 1)
			case http.StatusTooManyRequests:
				atomic.AddInt64(&counts.limited, 1)
			case http.StatusBadRequest, http.StatusUnauthorized:
				atomic.AddInt64(&counts.rejected, 1)
			default:
				atomic.AddInt64(&counts.other, 1)
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
	fmt.Printf("Results: admitted=%d limited=%d rejected=%d other=%d errors=%d\n",
		counts.admitted, counts.limited, counts.rejected, counts.other, counts.errors)
}
