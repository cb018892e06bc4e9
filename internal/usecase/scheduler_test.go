package usecase

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualDriver struct {
	job     func(time.Time)
	stopped bool
}

func (d *manualDriver) Start(_ context.Context, job func(time.Time)) error {
	d.job = job
	return nil
}

func (d *manualDriver) Stop(context.Context) error {
	d.stopped = true
	return nil
}

type triggerCounter struct {
	n atomic.Int32
}

func (c *triggerCounter) Trigger() { c.n.Add(1) }

func TestSchedulerTriggersPool(t *testing.T) {
	driver := &manualDriver{}
	target := &triggerCounter{}
	s := NewScheduler(driver, target, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, driver.job)

	driver.job(testNow)
	driver.job(testNow.Add(time.Hour))
	assert.Equal(t, int32(2), target.n.Load())

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, driver.stopped)
}

func TestSchedulerWithoutDriver(t *testing.T) {
	s := NewScheduler(nil, &triggerCounter{}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}
