package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/pkg/logger"
)

func TestSafeGroup_PanicBecomesError(t *testing.T) {
	g, _ := engine.NewSafeGroup(context.Background(), logger.Discard())
	g.Go("lib", func(context.Context) error {
		panic("boom")
	})

	err := g.Wait()
	assert.EqualError(t, err, "lib: panic: boom")
}

func TestSafeGroup_FirstErrorSkipsPendingJobs(t *testing.T) {
	g, _ := engine.NewSafeGroup(context.Background(), logger.Discard())
	g.SetLimit(1)

	var ran atomic.Int32
	g.Go("first", func(context.Context) error {
		ran.Add(1)
		return errors.New("failed")
	})
	g.Go("second", func(context.Context) error {
		ran.Add(1)
		return nil
	})

	assert.EqualError(t, g.Wait(), "failed")
	assert.Equal(t, int32(1), ran.Load())
}
