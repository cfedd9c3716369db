package resolution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/typegraph/reasoner/internal/build"
)

var (
	resolversCreatedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "resolvers_created_count",
		Help:      "The total number of resolvers created, by kind.",
	}, []string{"kind"})

	concludableReuseCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "concludable_resolver_reuse_count",
		Help:      "The total number of concludables served by an existing alpha-equivalent resolver.",
	})

	answersEmittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "answers_emitted_count",
		Help:      "The total number of answers returned by root resolvers.",
	})

	derivationsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "derivations_count",
		Help:      "The total number of new answers cached for recursive concludables.",
	})

	resolutionPassesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "resolution_passes_count",
		Help:      "The total number of resolution passes started by root resolvers.",
	})
)
