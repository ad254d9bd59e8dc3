package model

// ResourceLimits bounds the sandbox a runbook's commands execute in.
type ResourceLimits struct {
	MemoryMB       int     `json:"memory_mb"`
	CPULimit       float64 `json:"cpu_limit"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Default resource limits, matching the documented runbook authoring defaults.
const (
	DefaultMemoryMB       = 512
	DefaultCPULimit       = 1.0
	DefaultEnvTimeoutSecs = 3600
)

// ApplyDefaults fills zero-valued limits with the documented defaults.
func (r *ResourceLimits) ApplyDefaults() {
	if r.MemoryMB <= 0 {
		r.MemoryMB = DefaultMemoryMB
	}
	if r.CPULimit <= 0 {
		r.CPULimit = DefaultCPULimit
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = DefaultEnvTimeoutSecs
	}
}

// VolumeMount maps a host path into the sandbox.
type VolumeMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// ExecutionEnvironment defines the isolated sandbox in which a runbook's
// action commands run. One environment spec per runbook, reused for every
// session of that runbook.
type ExecutionEnvironment struct {
	Name                 string            `json:"name"`
	BaseImage            string            `json:"base_image"`
	DockerfileContent    *string           `json:"dockerfile_content,omitempty"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	Volumes              []VolumeMount     `json:"volumes"`
	NetworkMode          string            `json:"network_mode"`
	ResourceLimits       ResourceLimits    `json:"resource_limits"`
}

// ApplyDefaults fills unset fields with the documented defaults.
func (e *ExecutionEnvironment) ApplyDefaults() {
	if e.NetworkMode == "" {
		e.NetworkMode = "bridge"
	}
	e.ResourceLimits.ApplyDefaults()
}
