// Command stream-load holds many room streams open while a writer posts
// commands, and fails when state events stop arriving.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boxboard/domain"
)

type loadStats struct {
	attempts uint64
	failures uint64
	states   uint64
	writes   uint64
}

func main() {
	baseURL := getenv("BASE_URL", "http://localhost:8080")
	room := getenv("ROOM", "main")
	conns := getenvInt("STREAM_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	writeEvery := time.Duration(getenvInt("WRITE_INTERVAL_MS", 500)) * time.Millisecond
	bearer := os.Getenv("TEST_BEARER")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	stats := &loadStats{}
	httpClient := &http.Client{}
	streamURL := fmt.Sprintf("%s/api/rooms/%s/stream", baseURL, room)
	commandsURL := fmt.Sprintf("%s/api/rooms/%s/commands", baseURL, room)

	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			holdStream(ctx, httpClient, streamURL, bearer, stats)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeLoop(ctx, httpClient, commandsURL, bearer, writeEvery, stats)
	}()

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if atomic.LoadUint64(&stats.states) == 0 {
				log.Error("no state events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts := atomic.LoadUint64(&stats.attempts)
	failures := atomic.LoadUint64(&stats.failures)
	states := atomic.LoadUint64(&stats.states)
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	log.WithFields(log.Fields{
		"connections":   conns,
		"duration_sec":  int(duration.Seconds()),
		"state_events":  states,
		"writes":        atomic.LoadUint64(&stats.writes),
		"conn_failures": failures,
		"failure_rate":  failureRate,
	}).Info("stream load finished")
	if states == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// holdStream keeps one stream open until ctx ends, reconnecting with backoff.
func holdStream(ctx context.Context, hc *http.Client, url, bearer string, stats *loadStats) {
	backoff := time.Second
	fail := func() {
		atomic.AddUint64(&stats.failures, 1)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
	for ctx.Err() == nil {
		atomic.AddUint64(&stats.attempts, 1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			fail()
			continue
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := hc.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			fail()
			continue
		}
		backoff = time.Second
		countStateEvents(resp.Body, func() { atomic.AddUint64(&stats.states, 1) })
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		fail()
	}
}

// countStateEvents calls onState for every complete state event in r.
func countStateEvents(r io.Reader, onState func()) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case line == "":
			if event == "state" {
				onState()
			}
			event = ""
		}
	}
}

// writeLoop alternately adds and removes one waiting person so every write
// produces a state change.
func writeLoop(ctx context.Context, hc *http.Client, url, bearer string, every time.Duration, stats *loadStats) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	personID := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cmd := domain.Command{Type: domain.AddWaiting, Name: "load"}
		if personID != "" {
			cmd = domain.Command{Type: domain.DeletePerson, PersonID: personID}
		}
		applied, err := postCommand(ctx, hc, url, bearer, cmd)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("post command")
			}
			continue
		}
		atomic.AddUint64(&stats.writes, 1)
		if personID == "" {
			personID = applied.PersonID
		} else {
			personID = ""
		}
	}
}

func postCommand(ctx context.Context, hc *http.Client, url, bearer string, cmd domain.Command) (domain.Command, error) {
	body, err := sonic.ConfigStd.Marshal([]domain.Command{cmd})
	if err != nil {
		return cmd, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return cmd, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return cmd, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return cmd, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out struct {
		Applied []domain.Command `json:"applied"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cmd, err
	}
	if len(out.Applied) != 1 {
		return cmd, fmt.Errorf("expected one applied command, got %d", len(out.Applied))
	}
	return out.Applied[0], nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	var n int
	if _, err := fmt.Sscanf(os.Getenv(key), "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}
