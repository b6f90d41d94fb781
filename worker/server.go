package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
)

// jobSchema validates POST /job bodies before they touch the job table.
const jobSchema = `{
	"type": "object",
	"properties": {
		"task_type": {"type": "string", "minLength": 1},
		"input_data": {"type": "object"},
		"job_id": {"type": "string"},
		"payment_proof": {
			"type": "object",
			"properties": {
				"kind": {"type": "string"},
				"reference": {"type": "string"},
				"amount": {"type": "string"},
				"worker_address": {"type": "string"}
			},
			"required": ["kind", "reference", "amount"]
		}
	},
	"required": ["task_type"]
}`

// Config sets the worker's billing terms and capacity.
type Config struct {
	WorkerAddress string
	Price         string
	Asset         string
	BillTTL       time.Duration
	MaxOpenJobs   int
}

func (c *Config) applyDefaults() {
	if c.Asset == "" {
		c.Asset = agentpay.DefaultAsset
	}
	if c.BillTTL <= 0 {
		c.BillTTL = 5 * time.Minute
	}
	if c.MaxOpenJobs <= 0 {
		c.MaxOpenJobs = 32
	}
}

// Server implements the 402 handshake over one mutex-guarded job table.
type Server struct {
	cfg    Config
	verify Verifier
	work   Work
	status *StatusRecorder
	log    *zap.Logger

	mu   sync.Mutex
	jobs *jobTable

	schema  *gojsonschema.Schema
	metrics *serverMetrics
}

// NewServer wires a worker server. work defaults to DefaultWork; status
// may be nil.
func NewServer(cfg Config, verify Verifier, work Work, status *StatusRecorder, log *zap.Logger) (*Server, error) {
	cfg.applyDefaults()
	if cfg.WorkerAddress == "" || cfg.Price == "" {
		return nil, agentpay.NewError(agentpay.ErrCodeConfigInvalid, "worker server needs an address and a price")
	}
	if work == nil {
		work = DefaultWork
	}
	if log == nil {
		log = zap.NewNop()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(jobSchema))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		verify: verify,
		work:   work,
		status: status,
		log:    log,
		jobs:   newJobTable(),
		schema: schema,
	}
	s.metrics = newServerMetrics(s)
	s.status.Set("idle", nil)
	return s, nil
}

// Routes builds the HTTP surface: POST /job, GET /health, GET /metrics.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/job", s.handleJob)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	return r
}

type jobRequest struct {
	TaskType     string                 `json:"task_type"`
	InputData    map[string]interface{} `json:"input_data"`
	JobID        string                 `json:"job_id"`
	PaymentProof *agentpay.PaymentProof `json:"payment_proof"`
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	open := s.jobs.openCount()
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"address":   s.cfg.WorkerAddress,
		"open_jobs": open,
	})
}

func (s *Server) handleJob(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "unreadable body"})
		return
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid body"})
		return
	}
	var req jobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid body"})
		return
	}

	if req.JobID == "" {
		s.handleNewJob(c, req)
		return
	}
	s.handleResubmit(c, req)
}

// handleNewJob mints a bill for a fresh job and answers 402.
func (s *Server) handleNewJob(c *gin.Context, req jobRequest) {
	job := agentpay.Job{
		JobID:     uuid.NewString(),
		TaskType:  req.TaskType,
		InputData: req.InputData,
	}
	bill := s.mintBill(job.JobID)

	s.mu.Lock()
	if s.jobs.openCount() >= s.cfg.MaxOpenJobs {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": "overloaded"})
		return
	}
	s.jobs.open(job, bill)
	s.mu.Unlock()

	s.metrics.billsIssued.Inc()
	s.status.Set("offered", map[string]string{"job_id": job.JobID, "task_type": job.TaskType})
	s.log.Info("bill issued",
		zap.String("job_id", job.JobID),
		zap.String("task_type", job.TaskType),
		zap.String("amount", bill.Amount))
	c.JSON(http.StatusPaymentRequired, gin.H{
		"job_id": job.JobID,
		"bill":   bill,
		"reason": "payment_required",
	})
}

// handleResubmit runs the proof side of the handshake: replay completed
// results, refresh expired bills, verify proofs, and execute work.
func (s *Server) handleResubmit(c *gin.Context, req jobRequest) {
	s.mu.Lock()
	snap, ok := s.jobs.get(req.JobID)
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"reason": "unknown job_id"})
		return
	}

	switch snap.State {
	case StateCompleted:
		s.mu.Unlock()
		if req.PaymentProof == nil || snap.Proof == nil || !sameProof(*snap.Proof, *req.PaymentProof) {
			c.JSON(http.StatusConflict, gin.H{"reason": "proof_mismatch"})
			return
		}
		s.replay(c, snap)
		return

	case StateWorking:
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"reason": "job_in_progress"})
		return
	}

	// Awaiting payment from here on.
	if snap.Bill.Expired(time.Now()) {
		fresh := s.mintBill(req.JobID)
		s.jobs.refreshBill(req.JobID, fresh)
		s.mu.Unlock()
		c.JSON(http.StatusPaymentRequired, gin.H{
			"job_id": req.JobID,
			"bill":   fresh,
			"reason": "bill_expired",
		})
		return
	}
	if req.PaymentProof == nil {
		bill := snap.Bill
		s.mu.Unlock()
		c.JSON(http.StatusPaymentRequired, gin.H{
			"job_id": req.JobID,
			"bill":   bill,
			"reason": "payment_required",
		})
		return
	}
	s.mu.Unlock()

	proof := *req.PaymentProof
	if proof.WorkerAddress == "" {
		proof.WorkerAddress = snap.Bill.WorkerAddress
	}
	if err := s.verify.Verify(c.Request.Context(), snap.Bill, proof); err != nil {
		s.metrics.verifyFailures.Inc()
		s.log.Warn("proof rejected", zap.String("job_id", req.JobID), zap.Error(err))
		c.JSON(http.StatusPaymentRequired, gin.H{
			"job_id": req.JobID,
			"bill":   snap.Bill,
			"reason": "payment_verification_failed",
		})
		return
	}

	s.mu.Lock()
	accepted := s.jobs.accept(req.JobID, proof)
	s.mu.Unlock()
	if !accepted {
		// Another proof won the race while this one was being verified.
		c.JSON(http.StatusConflict, gin.H{"reason": "job_in_progress"})
		return
	}

	s.status.Set("working", map[string]string{"job_id": req.JobID})
	s.log.Info("proof accepted, running work", zap.String("job_id", req.JobID))

	// The job is paid for once the proof is accepted. Work runs detached
	// from the request context so a hirer disconnect cannot cancel it and
	// cache the job as failed; the result stays replayable.
	output, workErr := s.work(context.WithoutCancel(c.Request.Context()), snap.Job)

	s.mu.Lock()
	if workErr != nil {
		s.jobs.complete(req.JobID, nil, true, workErr.Error())
	} else {
		s.jobs.complete(req.JobID, output, false, "")
	}
	done, _ := s.jobs.get(req.JobID)
	s.mu.Unlock()

	s.metrics.jobsCompleted.Inc()
	s.status.Set("completed", map[string]string{"job_id": req.JobID})
	s.replay(c, done)
}

// replay renders a completed job's stored outcome.
func (s *Server) replay(c *gin.Context, snap Snapshot) {
	if snap.Failed {
		c.JSON(http.StatusInternalServerError, gin.H{
			"job_id": snap.Job.JobID,
			"status": "failed",
			"reason": snap.Reason,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": snap.Job.JobID,
		"result": snap.Result,
		"status": "completed",
	})
}

func (s *Server) mintBill(jobID string) agentpay.Bill {
	return agentpay.Bill{
		JobID:         jobID,
		WorkerAddress: s.cfg.WorkerAddress,
		Amount:        s.cfg.Price,
		Asset:         s.cfg.Asset,
		ExpiresAt:     time.Now().Add(s.cfg.BillTTL).UTC(),
	}
}

func sameProof(a, b agentpay.PaymentProof) bool {
	return a.Kind == b.Kind && a.Reference == b.Reference && a.Amount == b.Amount
}

// serverMetrics registers on a private registry so multiple servers can
// coexist in one process.
type serverMetrics struct {
	registry       *prometheus.Registry
	billsIssued    prometheus.Counter
	jobsCompleted  prometheus.Counter
	verifyFailures prometheus.Counter
}

func newServerMetrics(s *Server) *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		billsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpay_bills_issued_total",
			Help: "Bills minted for new jobs.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpay_jobs_completed_total",
			Help: "Jobs finished after an accepted proof.",
		}),
		verifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpay_proof_failures_total",
			Help: "Payment proofs rejected by verification.",
		}),
	}
	openJobs := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentpay_open_jobs",
		Help: "Jobs awaiting payment or running.",
	}, func() float64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return float64(s.jobs.openCount())
	})
	m.registry.MustRegister(m.billsIssued, m.jobsCompleted, m.verifyFailures, openJobs)
	return m
}
