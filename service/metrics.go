package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_logins_total",
		Help: "Initial token pairs issued after a credential check, by result.",
	}, []string{"result"})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_refresh_rotations_total",
		Help: "Refresh token rotations attempted, by result.",
	}, []string{"result"})

	reuseDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_refresh_reuse_detected_total",
		Help: "Refresh tokens presented after they had already been rotated or revoked.",
	})

	recordConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_record_update_conflicts_total",
		Help: "Optimistic concurrency conflicts hit while updating user records.",
	})
)
