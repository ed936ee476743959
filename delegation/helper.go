// Package delegation runs the external signing helper that turns a server
// issued public key and a local proxy credential into a delegated
// certificate chain.
package delegation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mauriciomferz/transfer-activation/internal/keys"
	"github.com/mauriciomferz/transfer-activation/internal/proxycert"
)

// ErrDelegation is returned when the helper cannot be started, exits with
// a non-zero status, produces an unusable chain or is interrupted. An
// interrupted delegation also matches the context's error.
var ErrDelegation = errors.New("credential delegation failed")

// DefaultWaitDelay is how long a canceled helper may keep running before
// it is killed and its pipes are closed.
const DefaultWaitDelay = 5 * time.Second

const stderrLimit = 2048

// Helper invokes a signing helper once per Sign call as
// "<Path> <hours>". Its zero value is not usable; Path must be set.
type Helper struct {
	Path      string
	WaitDelay time.Duration
	// SkipVerify accepts any helper output without checking that it is a
	// certificate chain for the issued key.
	SkipVerify bool
	Logger     *slog.Logger
	// Now is used to check the validity of the returned chain.
	Now func() time.Time
}

// Sign writes publicKeyPEM and credentialPEM, in that order and with no
// separator, to the helper's stdin and returns everything it prints.
func (h *Helper) Sign(ctx context.Context, publicKeyPEM string, credentialPEM []byte, hours int) (string, error) {
	if hours <= 0 {
		return "", fmt.Errorf("%w: invalid lifetime %d hours", ErrDelegation, hours)
	}
	if h.Path == "" {
		return "", fmt.Errorf("%w: no helper configured", ErrDelegation)
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if thumb, err := keys.ThumbprintPEM([]byte(publicKeyPEM)); err == nil {
		logger = logger.With("key_thumbprint", thumb)
	}

	waitDelay := h.WaitDelay
	if waitDelay == 0 {
		waitDelay = DefaultWaitDelay
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: stderrLimit}
	cmd := exec.CommandContext(ctx, h.Path, strconv.Itoa(hours))
	cmd.Stdin = io.MultiReader(strings.NewReader(publicKeyPEM), bytes.NewReader(credentialPEM))
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	exitCode := getExitCode(err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		delegationDuration.WithLabelValues("canceled").Observe(duration.Seconds())
		logger.Warn("signing helper interrupted", "duration", duration, "error", ctxErr)
		return "", fmt.Errorf("%w: %w", ErrDelegation, ctxErr)
	}
	if err != nil {
		delegationDuration.WithLabelValues("error").Observe(duration.Seconds())
		logger.Warn("signing helper failed", "path", h.Path, "exit_code", exitCode, "duration", duration)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: helper exited with status %d: %s", ErrDelegation, exitCode, stderr.excerpt())
		}
		return "", fmt.Errorf("%w: %w", ErrDelegation, err)
	}

	chain := stdout.String()
	if !h.SkipVerify {
		if err := h.verify(publicKeyPEM, chain); err != nil {
			delegationDuration.WithLabelValues("invalid").Observe(duration.Seconds())
			logger.Warn("signing helper returned an unusable chain", "error", err)
			return "", fmt.Errorf("%w: %w", ErrDelegation, err)
		}
	}

	delegationDuration.WithLabelValues("ok").Observe(duration.Seconds())
	logger.Debug("proxy delegated", "hours", hours, "duration", duration, "exit_code", exitCode)
	return chain, nil
}

func (h *Helper) verify(publicKeyPEM, chain string) error {
	pub, err := keys.ParsePublicKeyPEM([]byte(publicKeyPEM))
	if err != nil {
		return fmt.Errorf("issued public key: %w", err)
	}
	certs, err := proxycert.ParseChain([]byte(chain))
	if err != nil {
		return fmt.Errorf("helper output: %w", err)
	}
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	return proxycert.VerifyChain(certs, pub, now)
}

func getExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode()
	}
	return -1
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) excerpt() string {
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return "no output on stderr"
	}
	if b.truncated {
		s += " ..."
	}
	return s
}
