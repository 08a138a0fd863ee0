package routing

import "context"

// Service is the remote routing backend.
type Service interface {
	RouteByAcuity(ctx context.Context, req RouteRequest) (*Response, error)
	RouteNearest(ctx context.Context, req NearestRequest) (*Response, error)
}

// Inferencer classifies a case from a voice recording or a free-text report.
// Results carry hospitals and extracted vitals in the shared Response shape.
type Inferencer interface {
	InferAudio(ctx context.Context, audio Audio) (*Response, error)
	InferText(ctx context.Context, report string) (*Response, error)
}
