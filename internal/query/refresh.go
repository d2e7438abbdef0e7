package query

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/observability"
)

const (
	DefaultAutoRefreshInterval = 15 * time.Minute
	DefaultGCInterval          = time.Minute
)

// AutoRefresher invalidates the refresh kinds on a fixed interval and sweeps unused
// entries, independent of per-key staleness.
type AutoRefresher struct {
	client     *Client
	scheduler  *gocron.Scheduler
	interval   time.Duration
	gcInterval time.Duration
	logger     *zap.Logger
}

// NewAutoRefresher creates an AutoRefresher. Zero intervals use the defaults.
func NewAutoRefresher(client *Client, interval, gcInterval time.Duration, logger *zap.Logger) *AutoRefresher {
	if interval <= 0 {
		interval = DefaultAutoRefreshInterval
	}
	if gcInterval <= 0 {
		gcInterval = DefaultGCInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoRefresher{
		client:     client,
		scheduler:  gocron.NewScheduler(time.UTC),
		interval:   interval,
		gcInterval: gcInterval,
		logger:     logger,
	}
}

// Start schedules the refresh and GC jobs. The first run happens one interval from now.
func (a *AutoRefresher) Start() error {
	if _, err := a.scheduler.Every(a.interval).WaitForSchedule().Do(a.refresh); err != nil {
		return err
	}
	if _, err := a.scheduler.Every(a.gcInterval).WaitForSchedule().Do(a.sweep); err != nil {
		return err
	}
	a.scheduler.StartAsync()
	return nil
}

// Stop cancels future runs.
func (a *AutoRefresher) Stop() {
	a.scheduler.Stop()
}

func (a *AutoRefresher) refresh() {
	n := a.client.Invalidate(RefreshKinds...)
	observability.QueryRefreshTotal.WithLabelValues("auto").Inc()
	a.logger.Debug("auto-refreshing weather data", zap.Int("invalidated", n))
}

func (a *AutoRefresher) sweep() {
	if n := a.client.GC(); n > 0 {
		a.logger.Debug("query cache gc", zap.Int("removed", n))
	}
}
