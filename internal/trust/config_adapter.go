package trust

import "github.com/aethercore/aethercore/internal/config"

// ScoringConfigFromConfig projects the subset of the runtime config the
// scorer needs into a ScoringConfig, keeping this package's core logic
// free of a direct dependency on config's wider option surface.
func ScoringConfigFromConfig(cfg config.Config) ScoringConfig {
	return ScoringConfig{
		Alpha:               cfg.TrustAlpha,
		BetaSignatureFail:   cfg.TrustBetaSignatureFail,
		BetaChainBreak:      cfg.TrustBetaChainBreak,
		BetaEquivocation:    cfg.TrustBetaEquivocation,
		Gamma:               cfg.TrustGamma,
		QuarantineThreshold: cfg.TrustQuarantineThreshold,
		SuspectThreshold:    cfg.TrustSuspectThreshold,
		HealthyThreshold:    cfg.TrustHealthyThreshold,
		Cooldown:            cfg.TrustCooldown(),
		StaleWindow:         cfg.TrustStaleWindow(),
		BaselineEnrolled:    cfg.TrustBaselineEnrolled,
		BaselineUnknown:     cfg.TrustBaselineUnknown,
	}
}
