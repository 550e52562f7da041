package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

// TrafficWeight is the value the serving tier reads for a schema version.
type TrafficWeight struct {
	ProposalID string `json:"proposal_id"`
	Percent    int    `json:"percent"`
	UpdatedAt  string `json:"updated_at"`
}

// TrafficRouter publishes traffic weights as cache keys traffic:<version>.
type TrafficRouter struct {
	cache ports.Cache
	now   func() time.Time
}

var _ ports.TrafficRouter = (*TrafficRouter)(nil)

func NewTrafficRouter(cache ports.Cache) *TrafficRouter {
	return &TrafficRouter{cache: cache, now: time.Now}
}

func trafficKey(version string) string {
	return "traffic:" + strings.TrimSpace(version)
}

func (r *TrafficRouter) Shift(ctx context.Context, targetVersion string, proposalID string, percent int) error {
	if r.cache == nil {
		return errors.New("cache is required")
	}
	if strings.TrimSpace(targetVersion) == "" {
		return errors.New("target version is required")
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("traffic percent %d outside [0,100]", percent)
	}
	raw, err := json.Marshal(TrafficWeight{
		ProposalID: proposalID,
		Percent:    percent,
		UpdatedAt:  ports.FormatTime(r.now()),
	})
	if err != nil {
		return errs.Wrap(err, "marshal traffic weight")
	}
	return r.cache.Set(ctx, trafficKey(targetVersion), string(raw), 0)
}

// Current returns the stored weight; found is false when none was ever set.
func (r *TrafficRouter) Current(ctx context.Context, targetVersion string) (TrafficWeight, bool, error) {
	if r.cache == nil {
		return TrafficWeight{}, false, errors.New("cache is required")
	}
	raw, found, err := r.cache.Get(ctx, trafficKey(targetVersion))
	if err != nil || !found {
		return TrafficWeight{}, false, err
	}
	var weight TrafficWeight
	if err := json.Unmarshal([]byte(raw), &weight); err != nil {
		return TrafficWeight{}, false, errs.Wrap(err, "decode traffic weight")
	}
	return weight, true, nil
}
