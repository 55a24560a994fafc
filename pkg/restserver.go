package pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/auth"
	"github.com/Anirudh-x/CyberForge-sub000/internal/catalog"
	"github.com/Anirudh-x/CyberForge-sub000/internal/deploy"
	"github.com/Anirudh-x/CyberForge-sub000/internal/identity"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/api"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/config"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/metrics"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/scheduler"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/utils"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/worker"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

// Server implements api.ServerInterface
type Server struct {
	db          *gorm.DB
	catalog     catalog.Catalog
	confProv    config.Provider
	deployer    deploy.Deployer
	queue       *worker.Queue // nil when Redis is not configured; deploys run in-process
	expirySched *scheduler.ExpiryScheduler
	kmu         keymutex.KeyMutex
	wg          sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	DB              *gorm.DB
	Catalog         catalog.Catalog
	ConfigProvider  config.Provider
	Deployer        deploy.Deployer
	Queue           *worker.Queue
	ExpiryScheduler *scheduler.ExpiryScheduler
	KeyMutex        keymutex.KeyMutex
}

var _ api.ServerInterface = (*Server)(nil)

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// Mandatory dependencies are DB, Catalog, and ConfigProvider. Deployer will
// default to DockerDeployer and KeyMutex will default to a hashed key mutex
// if not provided.
func NewServerWithOpts(opts ServerOpts) *Server {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	deployer := opts.Deployer
	if deployer == nil {
		deployer = deploy.NewDockerDeployer(opts.ConfigProvider.GetConfig())
	}
	return &Server{
		db:          opts.DB,
		catalog:     opts.Catalog,
		confProv:    opts.ConfigProvider,
		deployer:    deployer,
		queue:       opts.Queue,
		expirySched: opts.ExpiryScheduler,
		kmu:         kmu,
	}
}

// StartScheduler launches the expiry scheduler in a background goroutine.
// The caller is responsible for cancelling ctx when shutdown begins.
func (s *Server) StartScheduler(ctx context.Context, sched *scheduler.ExpiryScheduler) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sched.Start(ctx)
	}()
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) CreateMachine(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	var req api.CreateMachineRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Create request received for machine %q in domain %s for user %s", req.Name, req.Domain, claims.UserID)

	if req.Name == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Machine name is required")})
	}
	if !models.ValidDomain(req.Domain) {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(fmt.Sprintf("Invalid domain %q", req.Domain))})
	}
	if len(req.Modules) == 0 {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("At least one module is required")})
	}

	// The machine id exists before the insert so instance ids can embed it.
	machineID := uuid.NewString()

	// Unknown modules are skipped rather than failing the whole machine.
	// Ordinals count occurrences per module so repeats stay addressable.
	var (
		instances   []models.VulnerabilityInstance
		kept        []string
		totalPoints int
		occurrences = make(map[string]int)
	)
	for _, moduleID := range req.Modules {
		module, err := s.catalog.Get(req.Domain, moduleID)
		if err != nil {
			zap.S().Warnf("Skipping unknown module %s/%s for machine %s: %v", req.Domain, moduleID, machineID, err)
			continue
		}
		occurrences[moduleID]++
		ordinal := occurrences[moduleID]
		instances = append(instances, models.VulnerabilityInstance{
			InstanceID: identity.NewInstanceID(machineID, moduleID, ordinal),
			MachineID:  machineID,
			ModuleID:   moduleID,
			Ordinal:    ordinal,
			Route:      module.Route,
			Points:     module.Points,
			Flag:       identity.NewFlag(moduleID),
			Difficulty: module.Difficulty,
			Solution:   module.Solution,
			Hints:      module.Hints,
		})
		totalPoints += module.Points
		kept = append(kept, moduleID)
	}
	if len(instances) == 0 {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("No valid modules in request")})
	}

	machine := &models.Machine{
		ID:          machineID,
		OwnerID:     claims.UserID,
		Name:        req.Name,
		Domain:      req.Domain,
		Modules:     kept,
		Status:      models.MachineStatusBuilding,
		TotalPoints: totalPoints,
		Instances:   instances,
	}

	s.kmu.LockKey(claims.UserID)
	err = models.CreateMachine(s.db, machine)
	_ = s.kmu.UnlockKey(claims.UserID)
	if err != nil {
		zap.S().Errorf("Failed to create machine record: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to create machine record: %v", err))})
	}

	deployOps.Inc()
	if s.queue != nil {
		job := worker.NewDeployJob(machine.ID, claims.UserID)
		if err := s.queue.Enqueue(ctx.Request().Context(), job); err != nil {
			zap.S().Errorf("Failed to enqueue deploy job for machine %s: %v", machine.ID, err)
			_ = models.UpdateMachineStatus(s.db, machine, models.MachineStatusError, "failed to enqueue deploy job")
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to enqueue deploy job: %v", err))})
		}
	} else {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deployMachine(machine.ID)
		}()
	}

	return ctx.JSON(201, api.CreateMachineResponse{
		Success: true,
		Machine: api.MachineSummary{
			ID:        machine.ID,
			Name:      machine.Name,
			Domain:    machine.Domain,
			Modules:   kept,
			Status:    machine.Status,
			CreatedAt: machine.CreatedAt,
		},
	})
}

// deployMachine runs the build-allocate-run pipeline for a freshly created
// machine. It is a no-op unless the machine is still waiting on its build,
// which makes duplicate invocations safe.
func (s *Server) deployMachine(machineID string) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Panic while deploying machine %s: %v", machineID, r)
			// A panicking deploy must still land the machine in a terminal
			// status, not leave it in building.
			if err := models.UpdateMachineStatus(s.db, &models.Machine{ID: machineID}, models.MachineStatusError, fmt.Sprintf("deploy panic: %v", r)); err != nil {
				zap.S().Errorf("Failed to record panic status for machine %s: %v", machineID, err)
			}
		}
	}()

	machine, err := models.GetMachine(s.db, machineID, false)
	if err != nil {
		zap.S().Errorf("Failed to get machine %s for deploy: %v", machineID, err)
		return
	}
	if machine.Status != models.MachineStatusBuilding {
		zap.S().Infof("Machine %s is %s, skipping deploy", machine.ID, machine.Status)
		return
	}

	_, module, err := s.primaryModule(machine)
	if err != nil {
		zap.S().Errorf("Machine %s has no deployable primary module: %v", machine.ID, err)
		_ = models.UpdateMachineStatus(s.db, machine, models.MachineStatusError, err.Error())
		return
	}

	conf := s.confProv.GetConfig()
	deployCtx, cancel := context.WithTimeout(context.Background(), conf.Orchestrator.DeployTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.deployer.Deploy(deployCtx, conf, machine, module)
	metrics.DeployDurationSeconds.WithLabelValues(machine.Domain).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DeployOpsTotal.WithLabelValues(machine.Domain, "error").Inc()
		zap.S().Errorf("Deploy failed for machine %s owned by %s: %v", machine.ID, machine.OwnerID, err)
		if dbErr := models.UpdateMachineStatus(s.db, machine, models.MachineStatusError, err.Error()); dbErr != nil {
			zap.S().Errorf("Saving machine error status failed: %v", dbErr)
		}
		return
	}

	var expiresAt *time.Time
	if ttl := conf.Orchestrator.MachineTTL; ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	if err := models.SetMachineDeployed(s.db, machine, result.ContainerID, result.ImageName, result.Port, result.Access, expiresAt); err != nil {
		zap.S().Errorf("Failed to save machine running status: %v", err)
		return
	}

	metrics.DeployOpsTotal.WithLabelValues(machine.Domain, "success").Inc()
	activeMachines.Inc()
	machinesPerOwner.WithLabelValues(machine.OwnerID).Inc()
	zap.S().Infof("Deployment of machine %s for user %s completed on port %d", machine.ID, machine.OwnerID, result.Port)
}

// primaryModule resolves the catalog descriptor of the first requested module
// that survived validation. It determines the image and exposed port.
func (s *Server) primaryModule(machine *models.Machine) (*models.VulnerabilityInstance, *catalog.Module, error) {
	for _, moduleID := range machine.Modules {
		for i := range machine.Instances {
			if machine.Instances[i].ModuleID != moduleID {
				continue
			}
			module, err := s.catalog.Get(machine.Domain, moduleID)
			if err != nil {
				return nil, nil, fmt.Errorf("primary module %s/%s missing from catalog: %w", machine.Domain, moduleID, err)
			}
			return &machine.Instances[i], module, nil
		}
	}
	return nil, nil, errors.New("machine has no vulnerability instances")
}

func (s *Server) ListMachines(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	machines, err := models.GetMachinesByOwner(s.db, claims.UserID)
	if err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to list machines: %v", err))})
	}
	return ctx.JSON(200, api.MachineListResponse{Success: true, Machines: machines})
}

func (s *Server) GetMachine(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	machine, err := models.GetMachine(s.db, ctx.Param("id"), false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get machine: %v", err))})
	}
	if machine.OwnerID != claims.UserID && claims.Role != "admin" {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
	}
	return ctx.JSON(200, api.MachineResponse{Success: true, Machine: machine})
}

func (s *Server) DeleteMachine(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	machineID := ctx.Param("id")
	zap.S().Infof("Delete request received for machine %s from user %s", machineID, claims.UserID)

	s.kmu.LockKey(machineID)
	defer func() { _ = s.kmu.UnlockKey(machineID) }()

	machine, err := models.GetMachine(s.db, machineID, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get machine: %v", err))})
	}
	if machine.OwnerID != claims.UserID && claims.Role != "admin" {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
	}

	wasRunning := machine.Status == models.MachineStatusRunning

	// Container teardown is best-effort; the record is deleted even when the
	// engine is unreachable.
	conf := s.confProv.GetConfig()
	start := time.Now()
	if err := s.deployer.Terminate(ctx.Request().Context(), conf, machine); err != nil {
		metrics.TerminateOpsTotal.WithLabelValues(machine.Domain, "error").Inc()
		zap.S().Errorf("Failed to terminate container for machine %s, deleting record anyway: %v", machine.ID, err)
	} else {
		metrics.TerminateDurationSeconds.WithLabelValues(machine.Domain).Observe(time.Since(start).Seconds())
		metrics.TerminateOpsTotal.WithLabelValues(machine.Domain, "success").Inc()
	}
	metrics.MachineLifetimeSeconds.WithLabelValues(machine.Domain).Observe(time.Since(machine.CreatedAt).Seconds())

	if err := models.DeleteMachine(s.db, machine); err != nil {
		zap.S().Errorf("Failed to delete machine %s: %v", machine.ID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to delete machine: %v", err))})
	}

	if wasRunning {
		activeMachines.Dec()
		machinesPerOwner.WithLabelValues(machine.OwnerID).Dec()
	}
	zap.S().Infof("Machine %s deleted by user %s", machine.ID, claims.UserID)
	return ctx.JSON(200, api.SuccessResponse{Success: true})
}

func (s *Server) UpdateMachineStatus(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	var req api.StatusUpdateRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if !models.ValidStatus(req.Status) {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(fmt.Sprintf("Invalid status %q", req.Status))})
	}

	machineID := ctx.Param("id")
	s.kmu.LockKey(machineID)
	defer func() { _ = s.kmu.UnlockKey(machineID) }()

	machine, err := models.GetMachine(s.db, machineID, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get machine: %v", err))})
	}
	if machine.OwnerID != claims.UserID && claims.Role != "admin" {
		return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
	}
	if machine.Status == req.Status {
		return ctx.JSON(200, api.MachineResponse{Success: true, Machine: machine})
	}

	conf := s.confProv.GetConfig()
	switch {
	case machine.Status == models.MachineStatusRunning && req.Status == models.MachineStatusStopped:
		if err := s.deployer.Stop(ctx.Request().Context(), conf, machine); err != nil {
			zap.S().Errorf("Failed to stop container for machine %s: %v", machine.ID, err)
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to stop machine: %v", err))})
		}
		activeMachines.Dec()
		machinesPerOwner.WithLabelValues(machine.OwnerID).Dec()
	case machine.Status == models.MachineStatusStopped && req.Status == models.MachineStatusRunning:
		if err := s.deployer.Resume(ctx.Request().Context(), conf, machine); err != nil {
			zap.S().Errorf("Failed to resume container for machine %s: %v", machine.ID, err)
			return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to resume machine: %v", err))})
		}
		activeMachines.Inc()
		machinesPerOwner.WithLabelValues(machine.OwnerID).Inc()
	default:
		return ctx.JSON(400, api.Error{Message: utils.Ptr(fmt.Sprintf("Cannot transition machine from %s to %s", machine.Status, req.Status))})
	}

	if err := models.UpdateMachineStatus(s.db, machine, req.Status, ""); err != nil {
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to update machine status: %v", err))})
	}
	if s.expirySched != nil {
		s.expirySched.NotifyChange(machine.ID)
	}
	zap.S().Infof("Machine %s transitioned to %s by user %s", machine.ID, req.Status, claims.UserID)
	return ctx.JSON(200, api.MachineResponse{Success: true, Machine: machine})
}

func (s *Server) VerifyFlag(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	var req api.VerifyFlagRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.MachineID == "" || req.VulnerabilityInstanceID == "" || req.Flag == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("machineId, vulnerabilityInstanceId and flag are required")})
	}

	result, err := models.VerifyFlag(s.db, claims.UserID, req.MachineID, req.VulnerabilityInstanceID, req.Flag)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Machine not found")})
		}
		if errors.Is(err, models.ErrInstanceNotFound) {
			return ctx.JSON(404, api.Error{Message: utils.Ptr("Vulnerability instance not found")})
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to verify flag: %v", err))})
	}

	switch {
	case result.AlreadySolved:
		flagSubmissions.WithLabelValues("already_solved").Inc()
		return ctx.JSON(200, api.AlreadySolvedResponse{AlreadySolved: true})
	case !result.Correct:
		flagSubmissions.WithLabelValues("incorrect").Inc()
		return ctx.JSON(200, api.VerifyFlagMismatchResponse{
			Success: false,
			Correct: false,
			Message: "Incorrect flag",
		})
	default:
		flagSubmissions.WithLabelValues("correct").Inc()
		if result.MachineSolved {
			machine, err := models.GetMachine(s.db, req.MachineID, false)
			if err == nil {
				metrics.MachinesSolvedTotal.WithLabelValues(machine.Domain).Inc()
			}
		}
		zap.S().Infof("User %s solved instance %s on machine %s for %d points", claims.UserID, req.VulnerabilityInstanceID, req.MachineID, result.Points)
		return ctx.JSON(200, api.VerifyFlagResponse{
			Success:       true,
			Correct:       true,
			Points:        result.Points,
			TotalPoints:   result.TotalPoints,
			MachineSolved: result.MachineSolved,
		})
	}
}
