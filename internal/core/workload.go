package core

// WorkloadStatus reports whether the workload is mid-deployment.
type WorkloadStatus string

const (
	WorkloadUpdating WorkloadStatus = "updating"
	WorkloadStable   WorkloadStatus = "stable"
)

// MemberHealth is the health of one member registered behind a target.
type MemberHealth struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
}

// AnyHealthy reports whether at least one member is healthy.
func AnyHealthy(members []MemberHealth) bool {
	for _, m := range members {
		if m.Healthy {
			return true
		}
	}
	return false
}
