package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/promptsync/internal/protocol"
)

type options struct {
	baseURL       string
	owners        int
	recordsPerOwn int
	score         int
	promptTimeout time.Duration
	verbose       bool
}

type wsEnvelope struct {
	Type     string `json:"type"`
	RecordID string `json:"record_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ownerResult is what one simulated client observed.
type ownerResult struct {
	OwnerID   string
	Prompts   int
	Resolved  int
	Failed    int
	Latencies []time.Duration
}

type summary struct {
	Owners   int
	Prompts  int
	Resolved int
	Failed   int
	P50      time.Duration
	P95      time.Duration
	Max      time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "promptload: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "promptload",
		Short:         "Replay prompt traffic against a running promptsync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			res, err := run(ctx, opts)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summarize(res))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "promptsync base URL")
	f.IntVar(&opts.owners, "owners", 10, "number of concurrent simulated owners")
	f.IntVar(&opts.recordsPerOwn, "records", 3, "pending records created per owner")
	f.IntVar(&opts.score, "score", 5, "score submitted for every prompt (0-5)")
	f.DurationVar(&opts.promptTimeout, "prompt-timeout", 10*time.Second, "max wait for each prompt event")
	f.BoolVar(&opts.verbose, "verbose", false, "print every event")
	return cmd
}

func (o *options) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if o.owners <= 0 || o.recordsPerOwn <= 0 {
		return fmt.Errorf("owners and records must be > 0")
	}
	if o.score < 0 || o.score > 5 {
		return fmt.Errorf("score must be in [0,5]")
	}
	if o.promptTimeout < 100*time.Millisecond {
		o.promptTimeout = 100 * time.Millisecond
	}
	return nil
}

func run(ctx context.Context, opts options) ([]ownerResult, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	runID := time.Now().UTC().Format("20060102T150405")

	var (
		mu      sync.Mutex
		results []ownerResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.owners; i++ {
		ownerID := fmt.Sprintf("load-%s-%03d", runID, i)
		g.Go(func() error {
			res, err := simulateOwner(gctx, client, opts, ownerID)
			if err != nil {
				return fmt.Errorf("owner %s: %w", ownerID, err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// simulateOwner seeds records for one owner, then answers every prompt the
// server shows until none are left.
func simulateOwner(ctx context.Context, client *http.Client, opts options, ownerID string) (ownerResult, error) {
	res := ownerResult{OwnerID: ownerID}
	for j := 0; j < opts.recordsPerOwn; j++ {
		subjectID := fmt.Sprintf("%s-subject-%d", ownerID, j)
		if err := postJSON(ctx, client, http.MethodPut, opts.baseURL+"/v1/subjects/"+subjectID, map[string]string{"name": "Load subject " + subjectID}, nil); err != nil {
			return res, fmt.Errorf("put subject: %w", err)
		}
		if err := postJSON(ctx, client, http.MethodPost, opts.baseURL+"/v1/actions", map[string]string{"owner_id": ownerID, "subject_id": subjectID}, nil); err != nil {
			return res, fmt.Errorf("create action: %w", err)
		}
	}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := postJSON(ctx, client, http.MethodPost, opts.baseURL+"/v1/sessions", map[string]string{"owner_id": ownerID, "device_id": "promptload"}, &created); err != nil {
		return res, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = postJSON(context.Background(), client, http.MethodPost, opts.baseURL+"/v1/sessions/"+created.SessionID+"/end", nil, nil)
	}()

	wsURL, err := wsURLForSession(opts.baseURL, created.SessionID)
	if err != nil {
		return res, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return res, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var shownAt time.Time
	for res.Resolved < opts.recordsPerOwn {
		if err := conn.SetReadDeadline(time.Now().Add(opts.promptTimeout)); err != nil {
			return res, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return res, fmt.Errorf("ws read after %d/%d resolved: %w", res.Resolved, opts.recordsPerOwn, err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if opts.verbose {
			fmt.Printf("promptload: owner=%s type=%s record=%s outcome=%s\n", ownerID, env.Type, env.RecordID, env.Outcome)
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypePromptShow:
			res.Prompts++
			shownAt = time.Now()
			if err := conn.WriteJSON(protocol.PromptResolve{
				Type:      protocol.TypePromptResolve,
				SessionID: created.SessionID,
				RecordID:  env.RecordID,
				Score:     opts.score,
			}); err != nil {
				return res, fmt.Errorf("send resolve: %w", err)
			}
		case protocol.TypeResolveResult:
			if !shownAt.IsZero() {
				res.Latencies = append(res.Latencies, time.Since(shownAt))
			}
			switch env.Outcome {
			case "completed", "invalid", "already_resolved":
				res.Resolved++
			default:
				res.Failed++
			}
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "promptload: owner=%s error_event code=%s detail=%s\n", ownerID, env.Code, env.Detail)
		}
	}
	return res, nil
}

func postJSON(ctx context.Context, client *http.Client, method, endpoint string, body any, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func summarize(results []ownerResult) summary {
	s := summary{Owners: len(results)}
	var all []time.Duration
	for _, r := range results {
		s.Prompts += r.Prompts
		s.Resolved += r.Resolved
		s.Failed += r.Failed
		all = append(all, r.Latencies...)
	}
	if len(all) == 0 {
		return s
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	s.P50 = percentile(all, 0.50)
	s.P95 = percentile(all, 0.95)
	s.Max = all[len(all)-1]
	return s
}

// percentile uses nearest-rank on sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "promptload: owners=%d prompts=%d resolved=%d failed=%d\n", s.Owners, s.Prompts, s.Resolved, s.Failed)
	fmt.Fprintf(w, "promptload: show->result p50=%s p95=%s max=%s\n", s.P50, s.P95, s.Max)
}
