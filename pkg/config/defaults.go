package config

// DefaultExecution returns the built-in execution defaults. They are not
// merged into a loaded config: a resolved config read from JSON keeps the
// zero value of any field it omits.
func DefaultExecution() Execution {
	return Execution{
		KMax:          20,
		BatchSize:     5,
		Workers:       4,
		KMin:          0,
		KMinCountRule: KMinCountRuleEligible,
		StopMode:      StopModeAdvisor,
		StopPolicy: StopPolicy{
			NoveltyEpsilon:      0.1,
			SimilarityThreshold: 0.85,
			Patience:            2,
		},
		RetryPolicy: RetryPolicy{
			MaxRetries:  3,
			BackoffMS:   500,
			Exponential: true,
		},
	}
}

// DefaultMeasurement returns the built-in measurement defaults.
func DefaultMeasurement() Measurement {
	return Measurement{
		EmbedTextStrategy: EmbedTextOutcomeOnly,
		EmbeddingMaxChars: 8000,
		Clustering: Clustering{
			Enabled:            true,
			Tau:                0.9,
			CentroidUpdateRule: CentroidIncrementalMean,
			ClusterLimit:       32,
			StopMode:           StopModeAdvisor,
		},
		ContractFailurePolicy: ContractFailureWarn,
	}
}
