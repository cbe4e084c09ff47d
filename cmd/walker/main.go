// Command walker uploads a directory tree of documents through the API.
// Files are published without an explicit id, so each document is filed
// under the key it derives for itself; rejects are reported per file.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seral-labs/harbinger/pkg/resilience"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the api service")
	collection := flag.String("collection", "", "target collection (sbom or vex)")
	dir := flag.String("dir", "", "directory of documents to upload")
	workers := flag.Int("workers", 4, "number of concurrent uploads")
	flag.Parse()

	if *collection == "" || *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: walker -collection sbom|vex -dir <path> [-url ...] [-workers N]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *workers * 2,
			MaxIdleConnsPerHost: *workers * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	target := fmt.Sprintf("%s/api/v1/%s", strings.TrimRight(*baseURL, "/"), *collection)

	fmt.Println("=== Harbinger Walker ===")
	fmt.Printf("Target:     %s\n", target)
	fmt.Printf("Directory:  %s\n", *dir)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Println()

	jobs := make(chan string)
	go func() {
		defer close(jobs)
		err := filepath.WalkDir(*dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- path:
				return nil
			}
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "walking %s: %v\n", *dir, err)
		}
	}()

	var uploaded, failed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if err := upload(ctx, client, target, path); err != nil {
					failed.Add(1)
					fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
					continue
				}
				uploaded.Add(1)
			}
		}()
	}
	wg.Wait()

	fmt.Println()
	fmt.Printf("Uploaded:   %d\n", uploaded.Load())
	fmt.Printf("Failed:     %d\n", failed.Load())
	fmt.Printf("Elapsed:    %s\n", time.Since(start).Round(time.Millisecond))
	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// upload publishes one file, retrying transport failures and server
// errors. Rejections the server would only repeat are permanent and fail
// the file at once.
func upload(ctx context.Context, client *http.Client, target, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return resilience.Retry(ctx, "upload "+filepath.Base(path), resilience.RetryConfig{MaxAttempts: 3}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Permanent(err)
		}
		return err
	})
}
