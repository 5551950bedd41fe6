// Package verify gates artifacts on their content digest before they are uploaded.
package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// Outcome describes a verification that did not fail.
type Outcome struct {
	Verified bool
	Skipped  bool
	Warning  string
	Actual   digest.Digest
}

// Verifier checks payloads against expected digests.
type Verifier struct {
	Logger *slog.Logger
}

func (v *Verifier) logger() *slog.Logger {
	if v != nil && v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// Expected picks the digest a payload is held to: an explicit one from the spec, else the one
// the builder declared.
func Expected(spec artifacts.Spec, payload artifacts.Payload) digest.Digest {
	if spec.Expected != "" {
		return spec.Expected
	}
	return payload.Declared
}

// Verify compares the payload digest with expected. An empty expected digest skips the check
// and returns a warning instead of an error.
func (v *Verifier) Verify(ctx context.Context, payload artifacts.Payload, expected digest.Digest) (Outcome, error) {
	log := v.logger().With("kind", payload.Kind)

	if expected == "" {
		warning := fmt.Sprintf("%s has no expected checksum, integrity not verified", payload.Kind)
		log.Warn("skipping verification", "location", payload.Location)
		return Outcome{Skipped: true, Warning: warning, Actual: payload.Digest}, nil
	}
	if err := expected.Validate(); err != nil {
		return Outcome{}, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: payload.Kind.String() + ".digest", Message: err.Error()}
	}

	actual := payload.Digest
	if actual == "" || actual.Algorithm() != expected.Algorithm() {
		var err error
		actual, err = streamDigest(ctx, payload, expected.Algorithm())
		if err != nil {
			return Outcome{}, err
		}
	}

	if actual != expected {
		log.Error("checksum mismatch", "expected", expected, "actual", actual)
		return Outcome{Actual: actual}, &artifacts.ChecksumMismatch{Kind: payload.Kind, Expected: expected, Actual: actual}
	}
	log.Debug("checksum verified", "digest", actual)
	return Outcome{Verified: true, Actual: actual}, nil
}

func streamDigest(ctx context.Context, payload artifacts.Payload, alg digest.Algorithm) (digest.Digest, error) {
	if !alg.Available() {
		return "", fmt.Errorf("digest algorithm %s is not available", alg)
	}
	rc, err := payload.Open()
	if err != nil {
		return "", fmt.Errorf("open %s payload: %w", payload.Kind, err)
	}
	defer rc.Close()

	digester := alg.Digester()
	if _, err := io.Copy(digester.Hash(), &ctxReader{ctx: ctx, r: rc}); err != nil {
		return "", fmt.Errorf("hash %s payload: %w", payload.Kind, err)
	}
	return digester.Digest(), nil
}

// ctxReader stops a long hash pass once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
