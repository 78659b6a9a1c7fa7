package conversion

import (
	"context"
	"errors"

	"github.com/warp/policy-engine/policy"
)

const (
	OpConvertBatch      = "convert_batch"
	OpConvertUnassigned = "convert_unassigned"
)

// ConvertBatch converts each vehicle in order, one transaction per vehicle.
// Vehicles already converted count as skipped; every other error is
// recorded against the vehicle and the batch moves on.
func (c *Coordinator) ConvertBatch(ctx context.Context, vehicleIDs []string) policy.BatchResult {
	return c.convertAll(ctx, OpConvertBatch, vehicleIDs)
}

// ConvertUnassigned converts up to limit UNASSIGNED vehicles (all of them
// when limit <= 0), oldest id first.
func (c *Coordinator) ConvertUnassigned(ctx context.Context, limit int) (policy.BatchResult, error) {
	vehicles, err := c.store.FindVehicles(ctx,
		policy.VehicleFilter{Statuses: []policy.VehicleStatus{policy.VehicleUnassigned}},
		policy.Page{Limit: limit})
	if err != nil {
		return policy.BatchResult{}, err
	}
	ids := make([]string, len(vehicles))
	for i, v := range vehicles {
		ids[i] = v.ID
	}
	return c.convertAll(ctx, OpConvertUnassigned, ids), nil
}

func (c *Coordinator) convertAll(ctx context.Context, op string, ids []string) policy.BatchResult {
	result := policy.NewBatchResult(op, c.now().UTC())
	for _, id := range ids {
		if ctx.Err() != nil {
			result.Fail(id, ctx.Err())
			continue
		}
		_, err := c.Convert(ctx, id)
		switch {
		case err == nil:
			result.Succeeded++
		case errors.Is(err, ErrAlreadyConverted):
			result.Skipped++
		default:
			result.Fail(id, err)
		}
	}
	result.FinishedAt = c.now().UTC()

	if err := c.notifier.Publish(ctx, result); err != nil {
		c.log.Warn().Err(err).Str("operation", op).Msg("failed to publish batch summary")
	}
	return result
}
