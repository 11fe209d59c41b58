package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"voxloop/internal/logger"
)

// Chain tries engines in order and returns the first audio produced.
// It implements ports.Synthesizer.
type Chain struct {
	engines []Engine
	timeout time.Duration
	log     *slog.Logger
}

func NewChain(engines ...Engine) *Chain {
	return &Chain{
		engines: lo.Filter(engines, func(e Engine, _ int) bool { return e != nil }),
		log:     logger.With("component", "tts"),
	}
}

// WithTimeout bounds each engine attempt. Zero means no bound.
func (c *Chain) WithTimeout(timeout time.Duration) *Chain {
	c.timeout = timeout
	return c
}

// Names lists engine names in fallback order.
func (c *Chain) Names() []string {
	return lo.Map(c.engines, func(e Engine, _ int) string { return e.Name() })
}

// Available probes every engine.
func (c *Chain) Available(ctx context.Context) map[string]bool {
	return lo.SliceToMap(c.engines, func(e Engine) (string, bool) {
		return e.Name(), e.Available(ctx)
	})
}

func (c *Chain) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoAudio
	}

	var errs []error
	for _, engine := range c.engines {
		if !engine.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", engine.Name(), ErrUnavailable))
			continue
		}
		audio, err := c.attempt(ctx, engine, text)
		if err == nil && len(audio) == 0 {
			err = fmt.Errorf("%s: %w", engine.Name(), ErrNoAudio)
		}
		if err == nil {
			return audio, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Warn("speech engine failed, trying next", "engine", engine.Name(), "error", err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("no speech engines configured: %w", ErrUnavailable)
	}
	return nil, errors.Join(errs...)
}

func (c *Chain) attempt(ctx context.Context, engine Engine, text string) ([]byte, error) {
	if c.timeout <= 0 {
		return engine.Synthesize(ctx, text)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return engine.Synthesize(attemptCtx, text)
}
