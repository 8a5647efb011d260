// Package nextclade wraps the external nextclade CLI. The tool is an opaque
// collaborator: it is consumed only through its argument list, its combined
// stdout/stderr stream, and its exit code.
package nextclade

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

const DefaultBinary = "nextclade"

// Runner invokes the nextclade binary as a subprocess.
type Runner struct {
	binary string
}

func NewRunner(binary string) *Runner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runner{binary: binary}
}

// ToolError is returned when the tool exits non-zero. Messages holds the
// error-message lines scraped from the captured output, when any were found.
type ToolError struct {
	Args     []string
	Messages []string
	err      error
}

func (e *ToolError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("nextclade %s: %v: %s", strings.Join(e.Args, " "), e.err, strings.Join(e.Messages, "; "))
	}
	return fmt.Sprintf("nextclade %s: %v", strings.Join(e.Args, " "), e.err)
}

func (e *ToolError) Unwrap() error {
	return e.err
}

// FetchDataset downloads a reference dataset into outputDir via
// `nextclade dataset get`.
func (r *Runner) FetchDataset(ctx context.Context, dataset Dataset, outputDir string) (string, error) {
	return r.execute(ctx, "dataset", "get", "--name", dataset.String(), "--output-dir", outputDir)
}

// Run analyzes a FASTA file against a previously fetched dataset directory via
// `nextclade run`, writing all outputs into outputDir.
func (r *Runner) Run(ctx context.Context, datasetDir, fastaPath, outputDir string) (string, error) {
	return r.execute(ctx, "run", "--input-dataset", datasetDir, "--output-all", outputDir, fastaPath)
}

// execute runs the binary, streaming the combined stdout/stderr line by line
// to the log while capturing it for error scanning.
func (r *Runner) execute(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var captured strings.Builder
	var scanErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			slog.Info("nextclade output", "line", line)
			captured.WriteString(line)
			captured.WriteByte('\n')
		}
		// The tool writes into an io.Pipe, so the reader must keep draining
		// even after a scan error (e.g. a line over the buffer cap), otherwise
		// the tool blocks on write and never exits.
		if scanErr = scanner.Err(); scanErr != nil {
			io.Copy(io.Discard, pr) //nolint:errcheck
		}
	}()

	slog.Info("running nextclade", "binary", r.binary, "args", strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		pw.Close() //nolint:errcheck
		<-done
		return "", fmt.Errorf("failed to start %s: %w", r.binary, err)
	}

	err := cmd.Wait()
	pw.Close() //nolint:errcheck
	<-done

	if scanErr != nil {
		slog.Warn("nextclade output capture truncated", "error", scanErr)
	}

	output := captured.String()
	if err != nil {
		return output, &ToolError{Args: args, Messages: ScanErrors(output), err: err}
	}
	return output, nil
}

var (
	messageLineRe = regexp.MustCompile(`Message.*`)
	errorLineRe   = regexp.MustCompile(`(?im)^.*\berror\b.*$`)
)

// ScanErrors does a best-effort extraction of error-message lines from the
// tool's captured output. Nextclade reports per-sequence failures as
// "Message ..." lines; anything mentioning an error is kept as a fallback.
func ScanErrors(output string) []string {
	if matches := messageLineRe.FindAllString(output, -1); len(matches) > 0 {
		return matches
	}
	return errorLineRe.FindAllString(output, -1)
}
