package services

import (
	"strconv"
	"time"

	"github.com/samber/lo"
)

// ConsumerCounter reports connected live consumers
type ConsumerCounter interface {
	Consumers() int
}

// ModelCache reports loaded models
type ModelCache interface {
	Cached() int
}

// System reports the overall service state
type System struct {
	cameras   *Cameras
	videos    *Videos
	consumers ConsumerCounter
	models    ModelCache
	startTime time.Time
}

// NewSystem creates the system service. consumers and models may be nil.
func NewSystem(cameras *Cameras, videos *Videos, consumers ConsumerCounter, models ModelCache) *System {
	return &System{
		cameras:   cameras,
		videos:    videos,
		consumers: consumers,
		models:    models,
		startTime: time.Now(),
	}
}

// SystemStatus is the overall service state
type SystemStatus struct {
	Uptime         string   `json:"uptime"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	RunningCameras []string `json:"running_cameras"`
	RunningJobs    []string `json:"running_jobs"`
	LiveConsumers  int      `json:"live_consumers"`
	LoadedModels   int      `json:"loaded_models"`
}

// Status returns the overall system status
func (s *System) Status() *SystemStatus {
	uptime := time.Since(s.startTime)
	status := &SystemStatus{
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  int64(uptime.Seconds()),
		RunningCameras: []string{},
		RunningJobs:    []string{},
	}
	if s.cameras != nil {
		status.RunningCameras = lo.Map(s.cameras.Running(), func(id int64, _ int) string {
			return strconv.FormatInt(id, 10)
		})
	}
	if s.videos != nil {
		status.RunningJobs = append(status.RunningJobs, s.videos.Running()...)
	}
	if s.consumers != nil {
		status.LiveConsumers = s.consumers.Consumers()
	}
	if s.models != nil {
		status.LoadedModels = s.models.Cached()
	}
	return status
}
