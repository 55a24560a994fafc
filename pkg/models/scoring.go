package models

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInstanceNotFound = errors.New("vulnerability instance not found")

// SolveRecord is the append-only scoring ledger. The (user_id, instance_id)
// unique index is the at-most-once gate: a second insert for the same key is
// a no-op, so concurrent duplicate submissions cannot double-award points.
type SolveRecord struct {
	ID            uint      `gorm:"primarykey"`
	UserID        string    `gorm:"uniqueIndex:idx_solve_user_instance;index"`
	InstanceID    string    `gorm:"uniqueIndex:idx_solve_user_instance"`
	MachineID     string    `gorm:"index"`
	PointsAwarded int
	SolvedAt      time.Time
}

// MachineSolve records that a user has solved every instance of a machine.
// At most one per (user, machine).
type MachineSolve struct {
	ID        uint   `gorm:"primarykey"`
	UserID    string `gorm:"uniqueIndex:idx_machine_solve_user_machine"`
	MachineID string `gorm:"uniqueIndex:idx_machine_solve_user_machine"`
	SolvedAt  time.Time
}

// UserScore aggregates a user's points, with per-domain subtotals.
type UserScore struct {
	UserID       string `gorm:"primarykey"`
	Total        int
	DomainPoints datatypes.JSONType[map[string]int]
	UpdatedAt    time.Time
}

// VerifyResult is the outcome of a flag submission. All variants are
// expected, non-exceptional outcomes.
type VerifyResult struct {
	Correct       bool
	AlreadySolved bool
	Points        int
	TotalPoints   int
	MachineSolved bool
	Message       string
}

// VerifyFlag validates a submitted flag against the exact vulnerability
// instance and scores it at most once per (user, instance). Lookup failures
// are returned as ErrNotFound / ErrInstanceNotFound; everything else is a
// VerifyResult.
func VerifyFlag(db *gorm.DB, userID, machineID, instanceID, submitted string) (*VerifyResult, error) {
	machine, err := GetMachine(db, machineID, false)
	if err != nil {
		return nil, err
	}
	inst, err := FindInstance(db, machineID, instanceID)
	if err != nil {
		return nil, err
	}

	solved, err := hasSolve(db, userID, instanceID)
	if err != nil {
		return nil, err
	}
	if solved {
		return &VerifyResult{Correct: true, AlreadySolved: true}, nil
	}

	// Leading/trailing whitespace is forgiven; everything else must match
	// exactly. No case folding, no partial match.
	if strings.TrimSpace(submitted) != inst.Flag {
		return &VerifyResult{Correct: false, Message: "Incorrect flag"}, nil
	}

	res := &VerifyResult{Correct: true, Points: inst.Points}
	err = db.Transaction(func(tx *gorm.DB) error {
		record := SolveRecord{
			UserID:        userID,
			InstanceID:    instanceID,
			MachineID:     machineID,
			PointsAwarded: inst.Points,
			SolvedAt:      time.Now(),
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			// Lost the race against a concurrent submission of the same
			// flag; that one scored.
			res.AlreadySolved = true
			res.Points = 0
			return nil
		}

		total, err := addScore(tx, userID, machine.Domain, inst.Points)
		if err != nil {
			return err
		}
		res.TotalPoints = total

		if !containsUser(inst.SolvedBy, userID) {
			inst.SolvedBy = append(inst.SolvedBy, userID)
			if err := tx.Model(inst).Update("solved_by", inst.SolvedBy).Error; err != nil {
				return err
			}
		}

		completed, err := machineCompleted(tx, userID, machineID)
		if err != nil {
			return err
		}
		if completed {
			ms := MachineSolve{UserID: userID, MachineID: machineID, SolvedAt: time.Now()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ms).Error; err != nil {
				return err
			}
			res.MachineSolved = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func hasSolve(db *gorm.DB, userID, instanceID string) (bool, error) {
	var count int64
	err := db.Model(&SolveRecord{}).
		Where("user_id = ? AND instance_id = ?", userID, instanceID).
		Count(&count).Error
	return count > 0, err
}

// machineCompleted reports whether the user now has a solve record for every
// instance of the machine.
func machineCompleted(tx *gorm.DB, userID, machineID string) (bool, error) {
	var instances, solves int64
	if err := tx.Model(&VulnerabilityInstance{}).Where("machine_id = ?", machineID).Count(&instances).Error; err != nil {
		return false, err
	}
	if err := tx.Model(&SolveRecord{}).Where("user_id = ? AND machine_id = ?", userID, machineID).Count(&solves).Error; err != nil {
		return false, err
	}
	return instances > 0 && solves >= instances, nil
}

func addScore(tx *gorm.DB, userID, domain string, points int) (int, error) {
	var score UserScore
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).Limit(1).Find(&score)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		score = UserScore{UserID: userID, DomainPoints: datatypes.NewJSONType(map[string]int{})}
	}
	score.Total += points
	byDomain := score.DomainPoints.Data()
	if byDomain == nil {
		byDomain = map[string]int{}
	}
	byDomain[domain] += points
	score.DomainPoints = datatypes.NewJSONType(byDomain)
	if err := tx.Save(&score).Error; err != nil {
		return 0, err
	}
	return score.Total, nil
}

func GetUserScore(db *gorm.DB, userID string) (*UserScore, error) {
	var score UserScore
	result := db.Where("user_id = ?", userID).Limit(1).Find(&score)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return &UserScore{UserID: userID, DomainPoints: datatypes.NewJSONType(map[string]int{})}, nil
	}
	return &score, nil
}

func containsUser(list []string, userID string) bool {
	for _, u := range list {
		if u == userID {
			return true
		}
	}
	return false
}
