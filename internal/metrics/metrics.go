package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lock coordination
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphwriter_lock_wait_seconds",
		Help:    "Time a batch waited to acquire all of its entity locks",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_lock_timeouts_total",
		Help: "Total number of lock acquisitions that hit the lock wait timeout",
	})

	BatchesHoldingLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graphwriter_batches_holding_locks",
		Help: "Number of batches currently holding their entity locks",
	})

	// Transaction execution
	CommittedNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_committed_nodes_total",
		Help: "Total number of node upserts committed",
	})

	CommittedEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_committed_edges_total",
		Help: "Total number of edge upserts committed",
	})

	CommittedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_committed_chunks_total",
		Help: "Total number of chunk transactions committed",
	})

	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_commit_retries_total",
		Help: "Total number of chunk commit retries after transient store errors",
	})

	BatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphwriter_batches_total",
		Help: "Total number of batch commits by outcome (committed, partial, retryable, failed)",
	}, []string{"outcome"})

	// Consistency
	VectorBackedMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_vector_backed_marked_total",
		Help: "Total number of nodes marked as vector backed",
	})

	ConsistencySkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_consistency_skips_total",
		Help: "Total number of vector payload updates skipped for nodes without embeddings",
	})

	EmbeddingsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_embeddings_written_total",
		Help: "Total number of node embeddings written to the vector store",
	})

	EmbeddingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphwriter_embedding_failures_total",
		Help: "Total number of nodes whose embedding could not be generated or stored",
	})

	// Documents
	DocumentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphwriter_documents_total",
		Help: "Total number of processed documents by outcome",
	}, []string{"outcome"})

	// Report jobs
	ReportJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphwriter_report_jobs_total",
		Help: "Total number of report jobs by final state",
	}, []string{"state"})

	ReportJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graphwriter_report_jobs_in_flight",
		Help: "Number of report jobs currently holding a governor slot",
	})

	// Queue
	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphwriter_queue_messages_total",
		Help: "Total number of queue messages by queue and outcome",
	}, []string{"queue", "outcome"})

	QueueProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphwriter_queue_processing_seconds",
		Help:    "Time spent processing one queue message",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"queue"})
)
