package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	MachineStatusCreated  = "created"
	MachineStatusBuilding = "building"
	MachineStatusRunning  = "running"
	MachineStatusStopped  = "stopped"
	MachineStatusError    = "error"

	ErrNotFound = errors.New("machine not found")
)

// MachineDomains are the valid values for Machine.Domain.
var MachineDomains = []string{"web", "red_team", "blue_team", "cloud", "forensics", "social_engineering"}

func ValidDomain(d string) bool {
	for _, v := range MachineDomains {
		if v == d {
			return true
		}
	}
	return false
}

func ValidStatus(s string) bool {
	switch s {
	case MachineStatusCreated, MachineStatusBuilding, MachineStatusRunning, MachineStatusStopped, MachineStatusError:
		return true
	}
	return false
}

// Access describes how a user reaches a running machine, shaped by the
// primary module's solve method.
type Access struct {
	Kind             string   `json:"kind"` // gui | api | terminal | file
	URL              string   `json:"url,omitempty"`
	ConnectionString string   `json:"connectionString,omitempty"`
	Downloads        []string `json:"downloads,omitempty"`
}

// Machine is a deployed, user-owned CTF target. Its id is generated before
// the insert so instance ids can embed it.
type Machine struct {
	ID          string                       `gorm:"primarykey" json:"id"`
	OwnerID     string                       `gorm:"index" json:"owner"`
	Name        string                       `json:"name"`
	Domain      string                       `json:"domain"`
	Modules     datatypes.JSONSlice[string]  `json:"modules"` // requested module ids, creation order
	Status      string                       `json:"status"`
	ContainerID *string                      `json:"containerId,omitempty"`
	ImageName   *string                      `json:"imageName,omitempty"`
	Port        *int                         `json:"port,omitempty"`
	TotalPoints int                          `json:"totalPoints"`
	Access      *datatypes.JSONType[Access]  `json:"access,omitempty"`
	Error       string                       `json:"-"` // operator-visible failure reason, never sent to users
	ExpiresAt   *time.Time                   `gorm:"index" json:"expiresAt,omitempty"`
	Instances   []VulnerabilityInstance      `gorm:"foreignKey:MachineID" json:"vulnerabilities"`
	CreatedAt   time.Time                    `json:"createdAt"`
	UpdatedAt   time.Time                    `json:"-"`
}

// VulnerabilityInstance is one deployed occurrence of a module within one
// machine. Immutable after creation except for the SolvedBy set.
type VulnerabilityInstance struct {
	InstanceID string                      `gorm:"primarykey" json:"instanceId"`
	MachineID  string                      `gorm:"index" json:"-"`
	ModuleID   string                      `json:"moduleId"`
	Ordinal    int                         `json:"ordinal"`
	Route      string                      `json:"route"`
	Points     int                         `json:"points"` // snapshot from the catalog at creation time
	Flag       string                      `gorm:"uniqueIndex" json:"-"`
	Difficulty string                      `json:"difficulty"`
	SolvedBy   datatypes.JSONSlice[string] `json:"solvedBy"`
	Solution   string                      `json:"solution,omitempty"` // keyed by instance id on purpose: per-instance payload variants
	Hints      datatypes.JSONSlice[string] `json:"hints,omitempty"`
	CreatedAt  time.Time                   `json:"-"`
	UpdatedAt  time.Time                   `json:"-"`
}

func GetMachine(db *gorm.DB, id string, lock bool) (*Machine, error) {
	var machine Machine
	tx := db.Preload("Instances")
	if lock {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	result := tx.Where("id = ?", id).Limit(1).Find(&machine)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &machine, nil
}

func GetMachinesByOwner(db *gorm.DB, ownerID string) ([]Machine, error) {
	var machines []Machine
	result := db.Preload("Instances").Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&machines)
	return machines, result.Error
}

func GetAllMachines(db *gorm.DB) ([]Machine, error) {
	var machines []Machine
	result := db.Preload("Instances").Order("created_at DESC").Find(&machines)
	return machines, result.Error
}

// CreateMachine persists a fully constructed machine and its instances in a
// single insert. The two-phase construction (id first, then substructures,
// then one insert) means there is never a persisted machine without its
// instances.
func CreateMachine(db *gorm.DB, machine *Machine) error {
	return db.Create(machine).Error
}

func UpdateMachineStatus(db *gorm.DB, machine *Machine, status, errMsg string) error {
	machine.Status = status
	machine.Error = errMsg
	return db.Model(machine).Select("status", "error").Updates(map[string]interface{}{
		"status": status,
		"error":  errMsg,
	}).Error
}

// SetMachineDeployed records a successful deployment outcome.
func SetMachineDeployed(db *gorm.DB, machine *Machine, containerID, imageName string, port int, access Access, expiresAt *time.Time) error {
	accessCol := datatypes.NewJSONType(access)
	machine.Status = MachineStatusRunning
	machine.ContainerID = &containerID
	machine.ImageName = &imageName
	machine.Port = &port
	machine.Access = &accessCol
	machine.Error = ""
	machine.ExpiresAt = expiresAt
	return db.Model(machine).Updates(map[string]interface{}{
		"status":       MachineStatusRunning,
		"container_id": containerID,
		"image_name":   imageName,
		"port":         port,
		"access":       accessCol,
		"error":        "",
		"expires_at":   expiresAt,
	}).Error
}

// SetMachineStopped records a stop: the container is gone, but the machine
// and its instances (and any solves against them) survive.
func SetMachineStopped(db *gorm.DB, machine *Machine) error {
	machine.Status = MachineStatusStopped
	machine.ContainerID = nil
	machine.Port = nil
	machine.Access = nil
	return db.Model(machine).Updates(map[string]interface{}{
		"status":       MachineStatusStopped,
		"container_id": nil,
		"port":         nil,
		"access":       nil,
	}).Error
}

// DeleteMachine removes the machine and its instances atomically. Solve
// records are an append-only ledger and survive machine deletion.
func DeleteMachine(db *gorm.DB, machine *Machine) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("machine_id = ?", machine.ID).Delete(&VulnerabilityInstance{}).Error; err != nil {
			return err
		}
		return tx.Delete(machine).Error
	})
}

// FindInstance looks up one instance by id within one machine. The lookup is
// instance-id-scoped: two instances of the same module are independently
// addressable.
func FindInstance(db *gorm.DB, machineID, instanceID string) (*VulnerabilityInstance, error) {
	var inst VulnerabilityInstance
	result := db.Where("machine_id = ? AND instance_id = ?", machineID, instanceID).Limit(1).Find(&inst)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrInstanceNotFound
	}
	return &inst, nil
}
