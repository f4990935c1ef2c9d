// Package process runs adapters as external processes: the job is written to
// stdin as JSON and the adapter answers with exactly one JSON line on stdout.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Publisher executes an adapter command per job.
type Publisher struct {
	slug    string
	command []string
	env     []string
	logger  *zap.Logger
}

// New returns a Publisher for desc. desc.Command must name the executable.
func New(desc promotion.AdapterDescriptor, env []string, logger *zap.Logger) (*Publisher, error) {
	if len(desc.Command) == 0 || strings.TrimSpace(desc.Command[0]) == "" {
		return nil, fmt.Errorf("adapter %s has no command", desc.Slug)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{slug: desc.Slug, command: desc.Command, env: env, logger: logger}, nil
}

// Publish runs the command. A zero exit with an ok result is success; anything
// else is returned as an AdapterError.
func (p *Publisher) Publish(ctx context.Context, job promotion.Job) (promotion.Result, error) {
	if job.Network == "" {
		job.Network = p.slug
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return promotion.Result{}, fmt.Errorf("marshal job: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...) //nolint:gosec // command comes from the operator catalog
	cmd.Stdin = bytes.NewReader(payload)
	if len(p.env) > 0 {
		cmd.Env = append(cmd.Environ(), p.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return promotion.Result{}, &promotion.AdapterError{Code: promotion.CodeAdapterTimeout, Network: p.slug, Err: ctx.Err()}
	}
	if errors.Is(runErr, exec.ErrNotFound) {
		return promotion.Result{}, &promotion.AdapterError{Code: promotion.CodeAdapterNotFound, Network: p.slug, Err: runErr}
	}
	if stderr.Len() > 0 {
		p.logger.Debug("adapter stderr", zap.String("adapter", p.slug), zap.String("stderr", tail(stderr.String(), 2048)))
	}

	res, parseErr := parseResult(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			parseErr = fmt.Errorf("%w (exit: %v)", parseErr, runErr)
		}
		return promotion.Result{}, &promotion.AdapterError{Code: promotion.CodeInvalidAdapterIO, Network: p.slug, Err: parseErr}
	}
	if res.Network == "" {
		res.Network = p.slug
	}
	if runErr == nil && res.OK {
		if res.PublishedURL == "" {
			return res, &promotion.AdapterError{Code: promotion.CodeNoURLInResponse, Network: p.slug}
		}
		return res, nil
	}

	code := res.Error
	if code == "" {
		code = promotion.CodeBrowserError
	}
	var cause error
	if runErr != nil {
		cause = runErr
	}
	return res, &promotion.AdapterError{Code: code, Network: p.slug, ManualFallback: res.ManualFallback, Err: cause}
}

// parseResult requires exactly one non-empty line holding a JSON Result.
func parseResult(out []byte) (promotion.Result, error) {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return promotion.Result{}, fmt.Errorf("read adapter output: %w", err)
	}
	if len(lines) != 1 {
		return promotion.Result{}, fmt.Errorf("expected one JSON line, got %d lines", len(lines))
	}
	var res promotion.Result
	if err := json.Unmarshal([]byte(lines[0]), &res); err != nil {
		return promotion.Result{}, fmt.Errorf("decode adapter result: %w", err)
	}
	return res, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Serve is the adapter side of the boundary: it reads one job from in, runs
// pub and writes exactly one JSON line to out. The returned error decides the
// exit status.
func Serve(ctx context.Context, pub promotion.Publisher, slug string, in io.Reader, out io.Writer) error {
	var job promotion.Job
	if err := json.NewDecoder(in).Decode(&job); err != nil {
		res := promotion.Result{Network: slug, Error: promotion.CodeInvalidAdapterIO}
		if writeErr := writeLine(out, res); writeErr != nil {
			return writeErr
		}
		return fmt.Errorf("decode job: %w", err)
	}
	if job.Network == "" {
		job.Network = slug
	}

	res, err := pub.Publish(ctx, job)
	if res.Network == "" {
		res.Network = job.Network
	}
	if err != nil {
		res.OK = false
		res.Error = promotion.ErrorCode(err)
		if res.Error == "" {
			res.Error = promotion.CodeBrowserError
		}
		var ae *promotion.AdapterError
		if errors.As(err, &ae) {
			res.ManualFallback = res.ManualFallback || ae.ManualFallback
		}
	}
	if writeErr := writeLine(out, res); writeErr != nil {
		return writeErr
	}
	return err
}

func writeLine(out io.Writer, res promotion.Result) error {
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
