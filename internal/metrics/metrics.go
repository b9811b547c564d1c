// Package metrics holds the Prometheus collectors for ingestion, the
// embedding cache and chat. Collectors are registered lazily on first use.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	once sync.Once

	ingests        *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	cloneDuration  prometheus.Histogram
	filesLoaded    prometheus.Counter

	batchesStored prometheus.Counter
	chunksStored  prometheus.Counter
	embedDuration prometheus.Histogram
	embedErrors   prometheus.Counter
	chunksEvicted prometheus.Counter
	refreshes     prometheus.Counter

	answers        *prometheus.CounterVec
	answerDuration prometheus.Histogram
	queryCacheHits *prometheus.CounterVec
}

var m collectors

func (c *collectors) init() {
	c.once.Do(func() {
		c.ingests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repotalk_ingests_total", Help: "Ingestion requests by outcome"}, []string{"outcome"})
		c.ingestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "repotalk_ingest_seconds", Help: "Duration of ingestions that did work", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}})
		c.cloneDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "repotalk_clone_seconds", Help: "Duration of shallow clones", Buckets: prometheus.DefBuckets})
		c.filesLoaded = prometheus.NewCounter(prometheus.CounterOpts{Name: "repotalk_files_loaded_total", Help: "Source files accepted by the loader"})

		c.batchesStored = prometheus.NewCounter(prometheus.CounterOpts{Name: "repotalk_batches_stored_total", Help: "Embedding batches written to the store"})
		c.chunksStored = prometheus.NewCounter(prometheus.CounterOpts{Name: "repotalk_chunks_stored_total", Help: "Chunks inserted into the store"})
		c.embedDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "repotalk_embed_seconds", Help: "Duration of embedding calls", Buckets: prometheus.DefBuckets})
		c.embedErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "repotalk_embed_errors_total", Help: "Embedding provider failures"})
		c.chunksEvicted = prometheus.NewCounter(prometheus.CounterOpts{Name: "repotalk_chunks_evicted_total", Help: "Chunks deleted by the TTL sweeper"})
		c.refreshes = prometheus.NewCounter(prometheus.CounterOpts{Name: "repotalk_refreshes_total", Help: "Freshness refreshes issued"})

		c.answers = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repotalk_answers_total", Help: "Chat answers by result"}, []string{"result"})
		c.answerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "repotalk_answer_seconds", Help: "Duration of chat answers", Buckets: prometheus.DefBuckets})
		c.queryCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repotalk_query_cache_total", Help: "Query embedding cache lookups"}, []string{"result"})

		prometheus.MustRegister(
			c.ingests, c.ingestDuration, c.cloneDuration, c.filesLoaded,
			c.batchesStored, c.chunksStored, c.embedDuration, c.embedErrors, c.chunksEvicted, c.refreshes,
			c.answers, c.answerDuration, c.queryCacheHits,
		)
	})
}

func RecordIngest(outcome string, d time.Duration) {
	m.init()
	m.ingests.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.ingestDuration.Observe(d.Seconds())
	}
}

func RecordClone(d time.Duration, files int) {
	m.init()
	m.cloneDuration.Observe(d.Seconds())
	m.filesLoaded.Add(float64(files))
}

func RecordBatch(inserted int64, embed time.Duration) {
	m.init()
	m.batchesStored.Inc()
	m.chunksStored.Add(float64(inserted))
	m.embedDuration.Observe(embed.Seconds())
}

func RecordEmbedError() { m.init(); m.embedErrors.Inc() }

func RecordEviction(n int64) { m.init(); m.chunksEvicted.Add(float64(n)) }

func RecordRefresh() { m.init(); m.refreshes.Inc() }

// RecordAnswer counts a chat answer; result is one of "answered", "fallback"
// or "apology".
func RecordAnswer(result string, d time.Duration) {
	m.init()
	m.answers.WithLabelValues(result).Inc()
	m.answerDuration.Observe(d.Seconds())
}

func RecordQueryCache(hit bool) {
	m.init()
	if hit {
		m.queryCacheHits.WithLabelValues("hit").Inc()
		return
	}
	m.queryCacheHits.WithLabelValues("miss").Inc()
}
