package bolt

import (
	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/honesteats/usermigrate"
)

var _ prometheus.Collector = (*KVStore)(nil)

var (
	kvWritesDesc = prometheus.NewDesc(
		"usermigrate_boltdb_writes_total",
		"Total number of boltdb writes",
		nil, nil)

	kvReadsDesc = prometheus.NewDesc(
		"usermigrate_boltdb_reads_total",
		"Total number of boltdb reads",
		nil, nil)

	keysDesc = prometheus.NewDesc(
		"usermigrate_boltdb_keys",
		"Number of keys in a boltdb bucket",
		[]string{"bucket"}, nil)
)

var userBuckets = [][]byte{
	usermigrate.LegacyUsersBucket,
	usermigrate.ScopedUsersBucket,
}

// Describe returns all descriptions of the collector.
func (s *KVStore) Describe(ch chan<- *prometheus.Desc) {
	ch <- kvWritesDesc
	ch <- kvReadsDesc
	ch <- keysDesc
}

// Collect returns the current state of all metrics of the collector.
func (s *KVStore) Collect(ch chan<- prometheus.Metric) {
	if s.db == nil {
		return
	}

	stats := s.db.Stats()
	writes := stats.TxStats.Write
	reads := stats.TxN

	ch <- prometheus.MustNewConstMetric(
		kvReadsDesc,
		prometheus.CounterValue,
		float64(reads),
	)

	ch <- prometheus.MustNewConstMetric(
		kvWritesDesc,
		prometheus.CounterValue,
		float64(writes),
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		for _, name := range userBuckets {
			keyNum := 0
			if b := tx.Bucket(name); b != nil {
				keyNum = b.Stats().KeyN
			}

			ch <- prometheus.MustNewConstMetric(
				keysDesc,
				prometheus.GaugeValue,
				float64(keyNum),
				string(name),
			)
		}
		return nil
	})
}
