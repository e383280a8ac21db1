package config

import "time"

// BuilderConfig holds build pipeline and container runtime settings.
type BuilderConfig struct {
	DockerHost        string
	Workdir           string
	BuildTimeout      time.Duration
	BuildWorkers      int
	ImagePrefix       string
	ContainerPrefix   string
	StopGracePeriod   time.Duration
	CPUMilli          int64
	MemoryMB          int64
	PidsLimit         int64
	ErrorLogLimit     int
	ErrorLogTailLines int
	PurgeLogsOnDelete bool
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	return BuilderConfig{
		DockerHost:        GetString("DOCKER_HOST", ""),
		Workdir:           GetString("BUILD_WORKDIR", "/tmp/hostingtele/builds"),
		BuildTimeout:      GetSeconds("BUILD_TIMEOUT_SECONDS", 900),
		BuildWorkers:      GetInt("BUILD_WORKERS", 4),
		ImagePrefix:       GetString("IMAGE_PREFIX", "hostingtele/project"),
		ContainerPrefix:   GetString("CONTAINER_PREFIX", "hostingtele"),
		StopGracePeriod:   GetSeconds("STOP_GRACE_SECONDS", 10),
		CPUMilli:          GetInt64("CONTAINER_CPUS_MILLI", 500),
		MemoryMB:          GetInt64("CONTAINER_MEMORY_MB", 256),
		PidsLimit:         GetInt64("CONTAINER_PIDS_LIMIT", 128),
		ErrorLogLimit:     GetInt("ERROR_LOG_LIMIT_BYTES", 4096),
		ErrorLogTailLines: GetInt("ERROR_LOG_TAIL_LINES", 200),
		PurgeLogsOnDelete: GetBool("PURGE_LOGS_ON_DELETE", false),
	}
}
