package pkg

import (
	"context"
	"fmt"

	"github.com/Anirudh-x/CyberForge-sub000/internal/auth"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/api"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/metrics"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/utils"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/worker"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) ConfigCheck(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		zap.S().Debugf("Failed to get claims: %v", err)
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != "admin" {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden")})
	}
	return ctx.NoContent(200)
}

func (s *Server) AdminListMachines(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	zap.S().Debugf("Admin request for machine list")
	if claims.Role != "admin" {
		zap.S().Debugf("Forbidden - Admin access required")
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}

	machines, err := models.GetAllMachines(s.db)
	if err != nil {
		zap.S().Errorf("Failed to get machines: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get machines: %v", err))})
	}
	return ctx.JSON(200, api.MachineListResponse{Success: true, Machines: machines})
}

func (s *Server) AdminReloadCatalog(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != "admin" {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}

	conf := s.confProv.GetConfig()
	zap.S().Infof("Admin catalog reload requested from %s", conf.Orchestrator.ModuleDir)
	if err := s.catalog.BuildIndex(conf.Orchestrator.ModuleDir); err != nil {
		zap.S().Errorf("Catalog reload failed: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Catalog reload failed: %v", err))})
	}

	counts := make(map[string]int)
	for _, m := range s.catalog.GetAll() {
		counts[m.Domain]++
	}
	metrics.SetModulesIndexed(counts)

	return ctx.JSON(200, api.SuccessResponse{Success: true})
}

func (s *Server) AdminTerminateAll(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != "admin" {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden - Admin access required")})
	}

	machines, err := models.GetAllMachines(s.db)
	if err != nil {
		zap.S().Errorf("Failed to get machines: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get machines: %v", err))})
	}
	if len(machines) == 0 {
		return ctx.JSON(200, api.BulkOperationResponse{
			Message:       "No machines found",
			MachinesCount: 0,
		})
	}

	zap.S().Infof("Admin terminate-all request received for %d machines", len(machines))
	terminated := 0
	ids := make([]string, 0)

	conf := s.confProv.GetConfig()
	for _, machine := range machines {
		if machine.Status == models.MachineStatusStopped {
			continue
		}
		terminated++
		ids = append(ids, machine.ID)

		if s.queue != nil {
			job := worker.NewTerminateJob(machine.ID, machine.OwnerID)
			if err := s.queue.Enqueue(ctx.Request().Context(), job); err != nil {
				zap.S().Errorf("Failed to enqueue terminate job for machine %s: %v", machine.ID, err)
			}
			continue
		}

		s.wg.Add(1)
		go func(m models.Machine) {
			defer s.wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), conf.Orchestrator.StopTimeout)
			defer cancel()
			if err := s.deployer.Terminate(stopCtx, conf, &m); err != nil {
				zap.S().Errorf("Failed to terminate machine %s: %v", m.ID, err)
				_ = models.UpdateMachineStatus(s.db, &m, models.MachineStatusError, err.Error())
				return
			}
			if err := models.SetMachineStopped(s.db, &m); err != nil {
				zap.S().Errorf("Failed to record stop for machine %s: %v", m.ID, err)
			}
		}(machine)
	}

	return ctx.JSON(200, api.BulkOperationResponse{
		Message:       fmt.Sprintf("Terminating %d machines", terminated),
		MachinesCount: terminated,
		MachineIDs:    ids,
	})
}
