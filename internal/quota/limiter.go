// Package quota implements token quota accounting: limiter definitions, the
// Ledger contract with its in-process backend, and the replenishment
// Scheduler.
package quota

import (
	"errors"
	"fmt"
	"time"
)

// Kind says which subject a limiter is charged against.
type Kind string

const (
	KindUser    Kind = "user"
	KindCluster Kind = "cluster"
)

// ClusterSubject is the single subject every cluster limiter charges.
const ClusterSubject = "cluster"

// Limiter is a named quota policy. Every subject under the limiter starts with
// InitialQuota and gains QuotaIncrease each elapsed Period. Cap, when
// positive, bounds replenishment; zero means uncapped.
type Limiter struct {
	Name          string        `yaml:"name" json:"name"`
	Kind          Kind          `yaml:"type" json:"type"`
	InitialQuota  int64         `yaml:"initial_quota" json:"initial_quota"`
	QuotaIncrease int64         `yaml:"quota_increase" json:"quota_increase"`
	Period        time.Duration `yaml:"period" json:"period"`
	Cap           int64         `yaml:"cap" json:"cap,omitempty"`
}

func (l Limiter) Validate() error {
	if l.Name == "" {
		return errors.New("limiter name is required")
	}
	if l.Kind != KindUser && l.Kind != KindCluster {
		return fmt.Errorf("limiter %s: unknown type %q", l.Name, l.Kind)
	}
	if l.InitialQuota < 0 || l.QuotaIncrease < 0 || l.Cap < 0 {
		return fmt.Errorf("limiter %s: quotas must not be negative", l.Name)
	}
	if l.QuotaIncrease > 0 && l.Period <= 0 {
		return fmt.Errorf("limiter %s: period is required when quota_increase is set", l.Name)
	}
	return nil
}

// Subject returns the ledger subject this limiter charges for userID.
func (l Limiter) Subject(userID string) string {
	if l.Kind == KindCluster {
		return ClusterSubject
	}
	return userID
}

// Grant applies catch-up replenishment. Every whole period elapsed since
// lastReplenished adds QuotaIncrease; the returned timestamp advances by
// exactly those periods so partial progress toward the next one is kept.
func Grant(l Limiter, available int64, lastReplenished, now time.Time) (int64, time.Time, int64) {
	if l.Period <= 0 || l.QuotaIncrease <= 0 {
		return available, lastReplenished, 0
	}
	elapsed := now.Sub(lastReplenished)
	if elapsed < l.Period {
		return available, lastReplenished, 0
	}
	periods := int64(elapsed / l.Period)
	next := available + periods*l.QuotaIncrease
	if l.Cap > 0 && next > l.Cap {
		next = max(available, l.Cap)
	}
	return next, lastReplenished.Add(time.Duration(periods) * l.Period), periods
}
