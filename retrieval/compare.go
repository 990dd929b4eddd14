package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Comparator runs both engines on the same question so their answers
// and confidence can be reviewed side by side. Each engine gets its
// own timeout and its failure (error, timeout, or panic) lands in its
// own slot without touching the other engine's result.
type Comparator struct {
	engineA Retriever
	engineB Retriever
	timeout time.Duration
	logger  *zap.Logger
}

// NewComparator creates a comparator. timeout bounds each engine
// individually (default 30s).
func NewComparator(engineA, engineB Retriever, timeout time.Duration, logger *zap.Logger) *Comparator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{
		engineA: engineA,
		engineB: engineB,
		timeout: timeout,
		logger:  logger.Named("comparator"),
	}
}

// Compare runs both engines concurrently and reports both outcomes.
func (c *Comparator) Compare(ctx context.Context, userID, question string) *ComparisonResult {
	start := time.Now()

	chA := c.launch(ctx, c.engineA, userID, question)
	chB := c.launch(ctx, c.engineB, userID, question)
	resA := <-chA
	resB := <-chB

	result := &ComparisonResult{
		Query:     question,
		UserID:    userID,
		EngineA:   resA,
		EngineB:   resB,
		TotalTime: time.Since(start),
	}
	c.logger.Info("comparison complete",
		zap.String("user_id", userID),
		zap.Bool("engine_a_ok", resA.Err == nil),
		zap.Bool("engine_b_ok", resB.Err == nil),
		zap.Duration("total_time", result.TotalTime))
	return result
}

// launch runs one engine under its own deadline, converting panics
// and timeouts into that engine's error slot.
func (c *Comparator) launch(ctx context.Context, engine Retriever, userID, question string) <-chan EngineResult {
	out := make(chan EngineResult, 1)
	go func() {
		engineCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		done := make(chan EngineResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- EngineResult{Err: fmt.Errorf("%s: engine panic: %v", engine.Method(), r)}
				}
			}()
			res, err := engine.Query(engineCtx, userID, question)
			if err != nil {
				done <- EngineResult{Err: fmt.Errorf("%s: %w", engine.Method(), err)}
				return
			}
			done <- EngineResult{Result: res}
		}()

		select {
		case r := <-done:
			if r.Err != nil {
				c.logger.Warn("engine failed",
					zap.String("engine", engine.Method()), zap.Error(r.Err))
			}
			out <- r
		case <-engineCtx.Done():
			c.logger.Warn("engine timed out",
				zap.String("engine", engine.Method()),
				zap.Duration("timeout", c.timeout))
			out <- EngineResult{Err: fmt.Errorf("%s: %w", engine.Method(), engineCtx.Err())}
		}
	}()
	return out
}
