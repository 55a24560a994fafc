package metrics

import (
	"context"

	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// MachineCollector
// ---------------------------------------------------------------------------

// MachineCollector implements prometheus.Collector and queries the database
// on each scrape to report current machine counts by status, domain, and owner.
// This ensures metric accuracy even after restarts or manual DB changes.
type MachineCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewMachineCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewMachineCollector(db *gorm.DB) *MachineCollector {
	return &MachineCollector{
		db: db,
		desc: prometheus.NewDesc(
			"cyberforge_machines",
			"Current number of machines grouped by status, domain, and owner",
			[]string{"status", "domain", "owner_id"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *MachineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the database and sends machine count metrics.
func (c *MachineCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		Status  string
		Domain  string
		OwnerID string
		Count   int64
	}

	var rows []row
	c.db.Model(&models.Machine{}).
		Select("status, domain, owner_id, COUNT(*) as count").
		Group("status, domain, owner_id").
		Scan(&rows)

	for _, r := range rows {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(r.Count),
			r.Status, r.Domain, r.OwnerID,
		)
	}
}

// ---------------------------------------------------------------------------
// QueueCollector
// ---------------------------------------------------------------------------

// QueueLengther is the minimal interface needed to observe Redis queue depth.
// It is satisfied by *worker.Queue without importing that package.
type QueueLengther interface {
	QueueLength(ctx context.Context) (int64, error)
}

// QueueCollector reports the current number of jobs waiting in the Redis queue.
type QueueCollector struct {
	queue QueueLengther
	desc  *prometheus.Desc
}

// NewQueueCollector creates a collector that reads queue depth from q on each scrape.
// Register it only when Redis is configured (queue != nil).
func NewQueueCollector(queue QueueLengther) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		desc: prometheus.NewDesc(
			"cyberforge_queue_depth",
			"Number of jobs currently waiting in the Redis job queue",
			nil, nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the queue length and sends the gauge metric.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.queue.QueueLength(context.Background())
	if err != nil {
		// Emit a stale-marker rather than silently dropping the metric.
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
