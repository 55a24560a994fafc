package worker

import (
	"encoding/json"
	"time"
)

// JobType represents the type of machine lifecycle job
type JobType string

const (
	JobTypeDeploy    JobType = "deploy"
	JobTypeTerminate JobType = "terminate"
)

// Job represents a machine lifecycle job to be executed by a worker
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	MachineID string    `json:"machine_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	Retries   int       `json:"retries"`
}

// NewDeployJob creates a new deploy job
func NewDeployJob(machineID, ownerID string) *Job {
	return &Job{
		ID:        generateJobID(JobTypeDeploy, machineID),
		Type:      JobTypeDeploy,
		MachineID: machineID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// NewTerminateJob creates a new terminate job
func NewTerminateJob(machineID, ownerID string) *Job {
	return &Job{
		ID:        generateJobID(JobTypeTerminate, machineID),
		Type:      JobTypeTerminate,
		MachineID: machineID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

func generateJobID(jobType JobType, machineID string) string {
	return string(jobType) + ":" + machineID
}

// Marshal serializes the job to JSON
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
