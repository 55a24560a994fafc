// Package api defines the HTTP surface of the orchestrator: request and
// response shapes plus the route table.
package api

import (
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"github.com/labstack/echo/v4"
)

// ServerInterface is implemented by pkg.Server.
type ServerInterface interface {
	GetHealth(ctx echo.Context) error

	CreateMachine(ctx echo.Context) error
	ListMachines(ctx echo.Context) error
	GetMachine(ctx echo.Context) error
	DeleteMachine(ctx echo.Context) error
	UpdateMachineStatus(ctx echo.Context) error

	VerifyFlag(ctx echo.Context) error

	ConfigCheck(ctx echo.Context) error
	AdminListMachines(ctx echo.Context) error
	AdminReloadCatalog(ctx echo.Context) error
	AdminTerminateAll(ctx echo.Context) error
}

func RegisterHandlers(e *echo.Echo, s ServerInterface) {
	e.GET("/health", s.GetHealth)

	e.POST("/machines/create", s.CreateMachine)
	e.GET("/machines", s.ListMachines)
	e.GET("/machines/:id", s.GetMachine)
	e.DELETE("/machines/:id", s.DeleteMachine)
	e.PATCH("/machines/:id/status", s.UpdateMachineStatus)

	e.POST("/flags/verify", s.VerifyFlag)

	e.GET("/admin/config-check", s.ConfigCheck)
	e.GET("/admin/machines", s.AdminListMachines)
	e.POST("/admin/catalog/reload", s.AdminReloadCatalog)
	e.DELETE("/admin/machines", s.AdminTerminateAll)
}

type Error struct {
	Message *string `json:"message,omitempty"`
}

type CreateMachineRequest struct {
	Name    string   `json:"name"`
	Domain  string   `json:"domain"`
	Modules []string `json:"modules"`
}

// MachineSummary is the immediate creation response; deployment continues
// asynchronously and the client polls GET /machines/:id for the rest.
type MachineSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Modules   []string  `json:"modules"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateMachineResponse struct {
	Success bool           `json:"success"`
	Machine MachineSummary `json:"machine"`
}

type MachineResponse struct {
	Success bool            `json:"success"`
	Machine *models.Machine `json:"machine"`
}

type MachineListResponse struct {
	Success  bool             `json:"success"`
	Machines []models.Machine `json:"machines"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type StatusUpdateRequest struct {
	Status string `json:"status"`
}

type VerifyFlagRequest struct {
	MachineID               string `json:"machineId"`
	VulnerabilityInstanceID string `json:"vulnerabilityInstanceId"`
	Flag                    string `json:"flag"`
}

type VerifyFlagResponse struct {
	Success       bool `json:"success"`
	Correct       bool `json:"correct"`
	Points        int  `json:"points"`
	TotalPoints   int  `json:"totalPoints"`
	MachineSolved bool `json:"machineSolved"`
}

type VerifyFlagMismatchResponse struct {
	Success bool   `json:"success"`
	Correct bool   `json:"correct"`
	Message string `json:"message"`
}

type AlreadySolvedResponse struct {
	AlreadySolved bool `json:"alreadySolved"`
}

type BulkOperationResponse struct {
	Message       string   `json:"message"`
	MachinesCount int      `json:"machinesCount"`
	MachineIDs    []string `json:"machineIds,omitempty"`
}
