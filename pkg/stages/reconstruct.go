package stages

import (
	"context"

	"tomorecon/internal/common"
	"tomorecon/pkg/reconstruction"
)

var reconstructionParams = Schema{
	{Name: "filter", Type: TypeString, Default: reconstruction.FilterRamLak, Enum: reconstruction.Filters, Doc: "frequency window applied to the ramp filter"},
	{Name: "clip_circle", Type: TypeBool, Default: false, Doc: "zero pixels outside the reconstruction circle"},
}

// reconstructWith returns the reconstruction stage bound to a worker count.
// The center of rotation always comes from the cor_estimation result.
func reconstructWith(workers int) Func {
	return func(ctx context.Context, in Input) (Output, error) {
		cor, ok := in.Upstream[CoREstimation]
		if !ok || cor.Scalar == nil {
			return Output{}, common.Errorf(common.InvalidInput, "no center of rotation available")
		}
		vol, err := reconstruction.Reconstruct(ctx, in.Array, reconstruction.Params{
			Center:     *cor.Scalar,
			Angles:     in.Dataset.Meta.Angles,
			Filter:     in.Params.String("filter"),
			NumWorkers: workers,
			ClipCircle: in.Params.Bool("clip_circle"),
			Progress:   in.Progress,
		})
		if err != nil {
			return Output{}, err
		}
		return Output{Array: vol}, nil
	}
}
