package textgen

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hookline/internal/apperr"
)

// Completer turns a prompt into raw model output.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Generator drafts emails through a Completer, throttled by a rate limiter.
type Generator struct {
	completer Completer
	limiter   *rate.Limiter
	log       *zap.Logger
}

// NewGenerator creates a Generator. A nil limiter disables throttling.
func NewGenerator(c Completer, limiter *rate.Limiter, log *zap.Logger) *Generator {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Generator{completer: c, limiter: limiter, log: log}
}

// PerMinute builds a limiter allowing n generations a minute.
func PerMinute(n float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(n/60), burst)
}

// Generate returns a subject and body for p.
func (g *Generator) Generate(ctx context.Context, p Params) (string, string, error) {
	const op = "textgen.generate"
	if err := g.limiter.Wait(ctx); err != nil {
		return "", "", apperr.Wrap(op, apperr.CategoryTextGeneration, err, "rate limit wait")
	}
	out, err := g.completer.Complete(ctx, Prompt(p))
	if err != nil {
		return "", "", apperr.Wrap(op, apperr.CategoryTextGeneration, err, "completion failed")
	}
	subject, body, err := Parse(out, p.IncludeLink)
	if err != nil {
		g.log.Warn("discarding malformed generation", zap.Error(err), zap.Int("length", len(out)))
		return "", "", err
	}
	return subject, body, nil
}

// Parse splits model output into subject and body. Output without exactly
// one divider, or with the link placeholder missing from the body or present
// in the subject, is rejected.
func Parse(out string, includeLink bool) (string, string, error) {
	const op = "textgen.parse"
	parts := strings.Split(out, Divider)
	if len(parts) != 2 {
		return "", "", apperr.New(op, apperr.CategoryTextGeneration, "divider not correctly generated")
	}
	subject := strings.TrimSpace(parts[0])
	body := strings.TrimSpace(parts[1])
	if subject == "" || body == "" {
		return "", "", apperr.New(op, apperr.CategoryTextGeneration, "empty subject or body")
	}
	if includeLink && (!strings.Contains(body, LinkPlaceholder) || strings.Contains(subject, LinkPlaceholder)) {
		return "", "", apperr.New(op, apperr.CategoryTextGeneration, "link placeholder misplaced")
	}
	return subject, body, nil
}
