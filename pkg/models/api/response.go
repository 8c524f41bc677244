package api

import "time"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Scheduler   SchedulerState `json:"scheduler"`
	Database    interface{}    `json:"database,omitempty"`
	DatabaseErr string         `json:"database_error,omitempty"`
}

// SchedulerState summarizes the job manager
type SchedulerState struct {
	ManagerID      string    `json:"manager_id"`
	Started        bool      `json:"started"`
	Jobs           int       `json:"jobs"`
	Running        int64     `json:"running"`
	LastInitialize time.Time `json:"last_initialize"`
}

// RunResponse is returned by a manual job trigger
type RunResponse struct {
	Job    string `json:"job"`
	Ran    bool   `json:"ran"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Response represents a general API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
	Message string      `json:"message,omitempty"`
}
