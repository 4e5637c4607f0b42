package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/quizforge/quizforge/internal/jobtracker"
	"github.com/quizforge/quizforge/internal/output"
)

// Client is a thin HTTP client for the daemon API.
type Client struct {
	base string
	http *http.Client
}

func newClient() *Client {
	return &Client{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is a non-2xx daemon response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
}

// connError is a request that never produced a response.
type connError struct{ err error }

func (e *connError) Error() string {
	return fmt.Sprintf("cannot reach daemon at %s: %v", serverURL, e.err)
}
func (e *connError) Unwrap() error { return e.err }

// backendError marks daemon-side failures on accepted requests: failed
// allocation categories, failed async jobs.
type backendError struct{ msg string }

func (e *backendError) Error() string { return e.msg }

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &connError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &connError{err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// waitForJob polls the job endpoint until the job leaves the running state,
// then prints its final record.
func waitForJob(printer *output.Printer, jobID string) error {
	client := newClient()
	for {
		var job jobtracker.Job
		if err := client.get(context.Background(), "/v1/jobs/"+jobID, &job); err != nil {
			return err
		}
		if job.State != jobtracker.StateRunning {
			if err := printer.PrintJob(jobView(job)); err != nil {
				return err
			}
			if job.State == jobtracker.StateFailed {
				return &backendError{msg: fmt.Sprintf("job %s failed: %s", jobID, job.Error)}
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func jobView(job jobtracker.Job) output.JobView {
	v := output.JobView{
		ID:        job.ID,
		Kind:      job.Kind,
		State:     string(job.State),
		Percent:   job.Percent,
		Message:   job.Message,
		StartedAt: formatTime(job.StartedAt),
		Error:     job.Error,
		Result:    job.Result,
	}
	if job.FinishedAt != nil {
		v.FinishedAt = formatTime(*job.FinishedAt)
	}
	return v
}

// formatTime renders a timestamp for table cells; zero times read as unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
