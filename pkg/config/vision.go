package config

// Vision gate modes.
const (
	VisionModeOff   = "off"
	VisionModeAuto  = "auto"
	VisionModeForce = "force"
)

// Vision stage caps.
const (
	VisionStageV1   = "v1"
	VisionStageV2   = "v2"
	VisionStageAuto = "auto"
)

// VisionConfig controls the image-analysis gate and its two-stage runner.
type VisionConfig struct {
	// Mode: off never runs, auto runs when the need score reaches Threshold,
	// force always runs on posts with images.
	Mode string

	// StageCap: v1 stops after classification, v2 forces the full extraction,
	// auto lets V1 signals gate V2.
	StageCap string

	// Threshold is the need-score cutoff in auto mode.
	Threshold float64
}

// DefaultVisionConfig returns the built-in vision defaults.
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		Mode:      VisionModeAuto,
		StageCap:  VisionStageAuto,
		Threshold: 2.0,
	}
}

// LoadVisionFromEnv loads vision configuration, rejecting unknown enum values
// at startup rather than at first use.
func LoadVisionFromEnv() (VisionConfig, error) {
	cfg := DefaultVisionConfig()
	cfg.Mode = getEnvOrDefault("VISION_MODE", cfg.Mode)
	cfg.StageCap = getEnvOrDefault("VISION_STAGE_CAP", cfg.StageCap)
	cfg.Threshold = envFloat("VISION_THRESHOLD", cfg.Threshold)
	if err := validateEnum("VISION_MODE", cfg.Mode, VisionModeOff, VisionModeAuto, VisionModeForce); err != nil {
		return VisionConfig{}, err
	}
	if err := validateEnum("VISION_STAGE_CAP", cfg.StageCap, VisionStageV1, VisionStageV2, VisionStageAuto); err != nil {
		return VisionConfig{}, err
	}
	return cfg, nil
}
