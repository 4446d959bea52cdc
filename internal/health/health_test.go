package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) Status { return Status{Healthy: true} }

func TestCheckAll_NoProbes(t *testing.T) {
	healthy, statuses := NewRegistry(time.Second).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAll_Aggregates(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("postgres", ok)
	r.Register("jobs", func(context.Context) Status {
		return Status{Healthy: false, Detail: "12 dead jobs"}
	})
	r.Register("gateways", ok)

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, []string{"postgres", "jobs", "gateways"},
		[]string{statuses[0].Name, statuses[1].Name, statuses[2].Name})
	assert.Equal(t, "12 dead jobs", statuses[1].Detail)
}

func TestCheckAll_ProbeTimesOut(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "slow", statuses[0].Name)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(15))
}

func TestCheckAll_ConcurrentRegistration(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("probe-%d", i), ok)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}

type stubPinger struct{ err error }

func (s stubPinger) PingContext(context.Context) error { return s.err }

func TestPingChecker(t *testing.T) {
	up := PingChecker("postgres", stubPinger{})(context.Background())
	assert.True(t, up.Healthy)
	assert.Equal(t, "postgres", up.Name)

	down := PingChecker("postgres", stubPinger{err: errors.New("dial tcp: connection refused")})(context.Background())
	assert.False(t, down.Healthy)
	assert.Contains(t, down.Detail, "connection refused")
}
