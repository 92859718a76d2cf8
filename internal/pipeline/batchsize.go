package pipeline

import "github.com/ozanlx/lexvec/internal/config"

// BatchPolicy selects an upsert batch size from document size. Larger
// documents carry more chunk text per point, so they get smaller batches
// to keep request payloads under the store's size limit.
type BatchPolicy struct {
	LargeThreshold  int
	MediumThreshold int
	LargeBatch      int
	MediumBatch     int
	SmallBatch      int
}

// BatchPolicyFromConfig builds a policy from pipeline configuration.
func BatchPolicyFromConfig(cfg config.PipelineConfig) BatchPolicy {
	return BatchPolicy{
		LargeThreshold:  cfg.LargeDocThreshold,
		MediumThreshold: cfg.MediumDocThreshold,
		LargeBatch:      cfg.LargeDocBatch,
		MediumBatch:     cfg.MediumDocBatch,
		SmallBatch:      cfg.SmallDocBatch,
	}
}

// ForDocSize returns the upsert batch size for a document of the given
// character length.
func (p BatchPolicy) ForDocSize(chars int) int {
	switch {
	case chars > p.LargeThreshold:
		return p.LargeBatch
	case chars > p.MediumThreshold:
		return p.MediumBatch
	default:
		return p.SmallBatch
	}
}
