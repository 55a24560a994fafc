package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/catalog"
	"github.com/Anirudh-x/CyberForge-sub000/internal/deploy"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/config"
	pkgerrors "github.com/Anirudh-x/CyberForge-sub000/pkg/errors"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/metrics"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// maxRetries is the maximum number of retries for transient errors
	maxRetries = 3
)

// Pool manages a pool of machine lifecycle workers
type Pool struct {
	queue      *Queue
	db         *gorm.DB
	catalog    catalog.Catalog
	confProv   config.Provider
	deployer   deploy.Deployer
	logger     *zap.SugaredLogger
	numWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	DB         *gorm.DB
	Catalog    catalog.Catalog
	ConfProv   config.Provider
	Deployer   deploy.Deployer
	Logger     *zap.SugaredLogger
}

// NewPool creates a new worker pool
func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 10 // default
	}

	return &Pool{
		queue:      cfg.Queue,
		db:         cfg.DB,
		catalog:    cfg.Catalog,
		confProv:   cfg.ConfProv,
		deployer:   cfg.Deployer,
		logger:     cfg.Logger,
		numWorkers: numWorkers,
	}
}

// Start launches the worker pool
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting worker pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop gracefully shuts down the worker pool
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// runWorker is the main loop for a single worker
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Infof("Worker %s started", workerID)

	for {
		// Check if we should shut down
		select {
		case <-ctx.Done():
			p.logger.Infof("Worker %s shutting down", workerID)
			return
		default:
		}

		// Try to get a job (Dequeue has 1s internal timeout)
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				// Context cancelled, shutdown
				p.logger.Infof("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No job available, loop again to check context
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			time.Sleep(1 * time.Second) // Back off on error
			continue
		}

		metrics.JobQueueWaitSeconds.WithLabelValues(string(job.Type)).Observe(time.Since(job.CreatedAt).Seconds())
		p.processJob(ctx, workerID, job)
	}
}

// processJob handles a single job
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Infof("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	jobTimeout := p.confProv.GetConfig().Orchestrator.DeployTimeout
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	err := p.executeJob(jobCtx, job)
	if errors.Is(err, errUnknownJobType) {
		p.logger.Errorf("Unknown job type: %s", job.Type)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// Check if job timed out
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Errorf("Worker %s: job %s timed out after %v", workerID, job.ID, jobTimeout)
		err = fmt.Errorf("job timed out after %v", jobTimeout)
	}

	if err != nil {
		if isErr, errPattern := pkgerrors.IsTransientErrorMsg(err); isErr && job.Retries < maxRetries {
			p.logger.Warnf("Worker %s: transient error %s for job %s, requeueing: %v", workerID, errPattern, job.ID, err)
			metrics.JobRetriesTotal.WithLabelValues(string(job.Type)).Inc()
			backoff := time.Duration(job.Retries+1) * 2 * time.Second
			time.Sleep(backoff)
			if requeueErr := p.queue.Requeue(ctx, workerID, job); requeueErr != nil {
				p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
			}
			return
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		metrics.JobPermanentFailuresTotal.WithLabelValues(string(job.Type)).Inc()
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// Success
	if err := p.queue.Complete(ctx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}

var errUnknownJobType = errors.New("unknown job type")

// executeJob dispatches on the job type. A panic inside a handler is
// converted into a permanent job error and a terminal machine status so the
// worker goroutine survives.
func (p *Pool) executeJob(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Panic while processing job %s: %v", job.ID, r)
			err = fmt.Errorf("job panic: %v", r)
			if dbErr := models.UpdateMachineStatus(p.db, &models.Machine{ID: job.MachineID}, models.MachineStatusError, err.Error()); dbErr != nil {
				p.logger.Errorf("Failed to record panic status for machine %s: %v", job.MachineID, dbErr)
			}
		}
	}()

	switch job.Type {
	case JobTypeDeploy:
		return p.processDeploy(ctx, job)
	case JobTypeTerminate:
		return p.processTerminate(ctx, job)
	default:
		return errUnknownJobType
	}
}

// processDeploy handles a deploy job
func (p *Pool) processDeploy(ctx context.Context, job *Job) error {
	machine, err := models.GetMachine(p.db, job.MachineID, false)
	if err != nil {
		return fmt.Errorf("machine not found: %w", err)
	}

	// Only machines waiting on a build may be deployed. A retried job whose
	// machine was deleted or already deployed is a no-op.
	if machine.Status != models.MachineStatusBuilding {
		p.logger.Infof("Machine %s is %s, skipping deploy job", machine.ID, machine.Status)
		return nil
	}

	primary := primaryInstance(machine)
	if primary == nil {
		_ = models.UpdateMachineStatus(p.db, machine, models.MachineStatusError, "machine has no vulnerability instances")
		return fmt.Errorf("machine %s has no vulnerability instances", machine.ID)
	}

	module, err := p.catalog.Get(machine.Domain, primary.ModuleID)
	if err != nil {
		_ = models.UpdateMachineStatus(p.db, machine, models.MachineStatusError, "primary module missing from catalog")
		return fmt.Errorf("primary module %s/%s: %w", machine.Domain, primary.ModuleID, err)
	}

	conf := p.confProv.GetConfig()

	start := time.Now()
	result, err := p.deployer.Deploy(ctx, conf, machine, module)
	metrics.DeployDurationSeconds.WithLabelValues(machine.Domain).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DeployOpsTotal.WithLabelValues(machine.Domain, "error").Inc()
		if dbErr := models.UpdateMachineStatus(p.db, machine, models.MachineStatusError, err.Error()); dbErr != nil {
			p.logger.Errorf("Failed to update machine error status: %v", dbErr)
		}
		return err
	}

	var expiresAt *time.Time
	if ttl := conf.Orchestrator.MachineTTL; ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	if err := models.SetMachineDeployed(p.db, machine, result.ContainerID, result.ImageName, result.Port, result.Access, expiresAt); err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}

	metrics.DeployOpsTotal.WithLabelValues(machine.Domain, "success").Inc()
	p.logger.Infof("Deployment of machine %s for user %s completed on port %d", machine.ID, machine.OwnerID, result.Port)
	return nil
}

// processTerminate handles a terminate job
func (p *Pool) processTerminate(ctx context.Context, job *Job) error {
	machine, err := models.GetMachine(p.db, job.MachineID, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Deleted in the meantime, nothing to tear down.
			return nil
		}
		return fmt.Errorf("machine not found: %w", err)
	}

	conf := p.confProv.GetConfig()

	start := time.Now()
	err = p.deployer.Terminate(ctx, conf, machine)
	metrics.TerminateDurationSeconds.WithLabelValues(machine.Domain).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TerminateOpsTotal.WithLabelValues(machine.Domain, "error").Inc()
		_ = models.UpdateMachineStatus(p.db, machine, models.MachineStatusError, err.Error())
		return err
	}

	if err := models.SetMachineStopped(p.db, machine); err != nil {
		return fmt.Errorf("failed to record stop: %w", err)
	}

	metrics.TerminateOpsTotal.WithLabelValues(machine.Domain, "success").Inc()
	metrics.MachineLifetimeSeconds.WithLabelValues(machine.Domain).Observe(time.Since(machine.CreatedAt).Seconds())
	p.logger.Infof("Termination of machine %s for user %s completed", machine.ID, machine.OwnerID)
	return nil
}

// primaryInstance returns the instance of the first requested module that
// survived catalog validation. The primary module determines the image to
// build and the exposed container port.
func primaryInstance(machine *models.Machine) *models.VulnerabilityInstance {
	for _, moduleID := range machine.Modules {
		for i := range machine.Instances {
			if machine.Instances[i].ModuleID == moduleID {
				return &machine.Instances[i]
			}
		}
	}
	if len(machine.Instances) > 0 {
		return &machine.Instances[0]
	}
	return nil
}
