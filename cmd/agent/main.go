// fleet-agent is the reference agent: it registers with the fleet server,
// heartbeats with a resource snapshot, polls for commands, and reports
// results. Command execution is simulated; real deployments replace runCommand
// with their own executor.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

type options struct {
	serverURL    string
	secret       string
	hostname     string
	platform     string
	version      string
	capabilities string
	concurrency  int
	interval     time.Duration
}

func main() {
	var opts options
	hostname, _ := os.Hostname()

	flag.StringVar(&opts.serverURL, "server", "http://localhost:8080", "fleet server base URL")
	flag.StringVar(&opts.secret, "secret", "secret", "shared agent secret")
	flag.StringVar(&opts.hostname, "hostname", hostname, "hostname to register as")
	flag.StringVar(&opts.platform, "platform", runtime.GOOS, "platform (linux, darwin, windows)")
	flag.StringVar(&opts.version, "version", "0.1.0", "agent version string")
	flag.StringVar(&opts.capabilities, "capabilities", "worker", "comma separated capability list")
	flag.IntVar(&opts.concurrency, "concurrency", 2, "max concurrent commands")
	flag.DurationVar(&opts.interval, "heartbeat", 10*time.Second, "heartbeat interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	agent := &agent{
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
	if err := agent.run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

type agent struct {
	opts   options
	client *http.Client
	logger *slog.Logger

	id string

	mu     sync.Mutex
	active int
}

type registerResponse struct {
	ID string `json:"id"`
}

type heartbeatResponse struct {
	ClaimableCommands int64 `json:"claimable_commands"`
}

type command struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Payload    string `json:"payload"`
	TimeoutSec int    `json:"timeout_sec"`
}

type claimResponse struct {
	Commands []command `json:"commands"`
}

func (a *agent) run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("registered", "agent_id", a.id, "capabilities", a.opts.capabilities)

	ticker := time.NewTicker(a.opts.interval)
	defer ticker.Stop()

	// Heartbeat immediately, then on the ticker.
	for {
		claimable, err := a.heartbeat(ctx)
		if err != nil {
			a.logger.Warn("heartbeat failed", "error", err)
		} else if claimable > 0 {
			if err := a.claimAndRun(ctx); err != nil {
				a.logger.Warn("claim failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *agent) register(ctx context.Context) error {
	caps := []string{}
	for _, c := range strings.Split(a.opts.capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}

	var resp registerResponse
	err := a.post(ctx, "/api/v1/fleet/register", map[string]interface{}{
		"hostname":        a.opts.hostname,
		"platform":        a.opts.platform,
		"version":         a.opts.version,
		"capabilities":    caps,
		"max_concurrency": a.opts.concurrency,
	}, &resp)
	if err != nil {
		return err
	}
	a.id = resp.ID
	return nil
}

func (a *agent) heartbeat(ctx context.Context) (int64, error) {
	a.mu.Lock()
	status := "idle"
	if a.active > 0 {
		status = "busy"
	}
	a.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memUsedMB := float64(memStats.Alloc) / (1024 * 1024)

	var resp heartbeatResponse
	err := a.post(ctx, "/api/v1/fleet/"+a.id+"/heartbeat", map[string]interface{}{
		"status": status,
		"metrics": map[string]interface{}{
			// CPU is omitted: a plain-stdlib agent has no portable source
			// for it, and the server stores absent values as null.
			"memory_used_mb": memUsedMB,
		},
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ClaimableCommands, nil
}

func (a *agent) claimAndRun(ctx context.Context) error {
	a.mu.Lock()
	free := a.opts.concurrency - a.active
	a.mu.Unlock()
	if free <= 0 {
		return nil
	}

	var resp claimResponse
	err := a.post(ctx, "/api/v1/fleet/"+a.id+"/claim", map[string]interface{}{
		"max_to_claim": free,
	}, &resp)
	if err != nil {
		return err
	}

	for _, cmd := range resp.Commands {
		cmd := cmd
		a.mu.Lock()
		a.active++
		a.mu.Unlock()

		go func() {
			defer func() {
				a.mu.Lock()
				a.active--
				a.mu.Unlock()
			}()
			a.execute(ctx, cmd)
		}()
	}
	return nil
}

func (a *agent) execute(ctx context.Context, cmd command) {
	a.logger.Info("executing command", "command_id", cmd.ID, "type", cmd.Type)

	if err := a.post(ctx, "/api/v1/fleet/"+a.id+"/commands/"+cmd.ID+"/started", map[string]interface{}{}, nil); err != nil {
		a.logger.Warn("failed to report started", "command_id", cmd.ID, "error", err)
		return
	}

	result, err := runCommand(ctx, cmd)

	body := map[string]interface{}{"success": err == nil}
	if err != nil {
		body["error_message"] = err.Error()
	} else {
		body["result"] = result
	}
	if err := a.post(ctx, "/api/v1/fleet/"+a.id+"/commands/"+cmd.ID+"/result", body, nil); err != nil {
		a.logger.Warn("failed to report result", "command_id", cmd.ID, "error", err)
		return
	}
	a.logger.Info("command finished", "command_id", cmd.ID, "success", err == nil)
}

// runCommand is the simulated executor. Replace this to do real work.
func runCommand(ctx context.Context, cmd command) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return fmt.Sprintf("simulated %s at %s", cmd.Type, time.Now().Format(time.RFC3339)), nil
}

func (a *agent) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.opts.secret)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
