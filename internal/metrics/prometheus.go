package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const namespace = "fedauth"

var (
	SignInsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signins_total",
		Help:      "Total number of sign-in attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	AccountsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accounts_created_total",
		Help:      "Total number of accounts created on first sign-in.",
	}, []string{"provider"})

	IdentitiesLinkedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identities_linked_total",
		Help:      "Total number of provider identities linked to an existing account by email.",
	}, []string{"provider"})

	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_total",
		Help:      "Total number of refresh token exchanges by outcome.",
	}, []string{"outcome"})

	RefreshReuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_reuse_detected_total",
		Help:      "Total number of presentations of an already-rotated refresh token.",
	})

	ProviderTokenRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_token_rejected_total",
		Help:      "Total number of rejected provider ID tokens.",
	}, []string{"provider"})

	JWKSRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jwks_refresh_total",
		Help:      "Total number of provider key set fetches by outcome.",
	}, []string{"provider", "outcome"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SignInsTotal,
		AccountsCreatedTotal,
		IdentitiesLinkedTotal,
		RefreshTotal,
		RefreshReuseDetectedTotal,
		ProviderTokenRejectedTotal,
		JWKSRefreshTotal,
	}
}

// Register registers the service metrics with reg.
// It should be called once at application startup.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register metrics")
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Prometheus metrics registered")
}
