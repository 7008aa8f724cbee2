package cmd

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/api"
	"github.com/joescharf/sentinell/internal/git"
	"github.com/joescharf/sentinell/internal/hydrate"
	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/metrics"
	"github.com/joescharf/sentinell/internal/planner"
	"github.com/joescharf/sentinell/internal/poller"
	"github.com/joescharf/sentinell/internal/publish"
	"github.com/joescharf/sentinell/internal/resolver"
	"github.com/joescharf/sentinell/internal/retrieval"
	"github.com/joescharf/sentinell/internal/runner"
	"github.com/joescharf/sentinell/internal/store"
	"github.com/joescharf/sentinell/internal/worker"
)

// services is the fully wired pipeline shared by serve and the one-shot commands.
type services struct {
	store     store.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	checkouts *git.CheckoutManager
	retriever *retrieval.Retriever
	ingest    *ingest.Service
	hydrator  *hydrate.Hydrator
	worker    *worker.Worker
	poller    *poller.Poller
	api       *api.Server
}

// buildServices wires every component from viper config. Optional backends
// (LLM, embeddings, Weaviate, GitHub) are left out when unconfigured.
func buildServices(s store.Store, logger *zap.Logger) (*services, error) {
	m := metrics.New()

	checkouts, err := git.NewCheckoutManager(checkoutsDir(), logger)
	if err != nil {
		return nil, err
	}

	retriever, err := newRetriever(logger)
	if err != nil {
		return nil, err
	}

	oracle := newOracle()
	if oracle == nil {
		logger.Warn("anthropic.api_key not set; plans will use the fallback investigation")
	}
	gen := planner.New(oracle, viper.GetInt("llm.requests_per_minute"), logger)

	cmdRunner := runner.New(viper.GetDuration("runner.timeout"), logger)
	loop := resolver.New(resolver.Config{
		MaxIterations:   viper.GetInt("resolver.max_iterations"),
		RequireApproval: viper.GetBool("resolver.require_approval"),
		Verify:          viper.GetBool("resolver.verify"),
	}, gen, retriever, checkouts, cmdRunner, logger)

	var pub worker.Publisher
	if token := viper.GetString("github.token"); token != "" {
		hosting, err := publish.NewGitHubHosting(token, viper.GetString("github.api_url"), nil)
		if err != nil {
			return nil, err
		}
		pub = publish.New(checkouts, hosting, publish.Config{
			Token:        token,
			UserName:     viper.GetString("git.user_name"),
			UserEmail:    viper.GetString("git.user_email"),
			BranchPrefix: viper.GetString("git.branch_prefix"),
			NotesDir:     viper.GetString("git.notes_dir"),
		}, logger)
	} else {
		logger.Warn("github.token not set; resolved incidents will not be published")
	}

	hydrator := hydrate.New(s, retriever, checkouts, logger)
	ingester := ingest.New(s, retriever, m, logger)
	pollr := poller.New(s, checkouts, cmdRunner, m, viper.GetDuration("poller.interval"), logger)

	w := worker.New(worker.Config{
		PollInterval: viper.GetDuration("worker.poll_interval"),
		BusyInterval: viper.GetDuration("worker.busy_interval"),
	}, s, hydrator, loop, pub, checkouts, m, logger)

	srv := api.NewServer(api.Config{
		Store:         s,
		Ingest:        ingester,
		Context:       hydrator,
		Poller:        pollr,
		Metrics:       m,
		WebhookSecret: viper.GetString("github.webhook_secret"),
		Logger:        logger,
	})

	return &services{
		store:     s,
		logger:    logger,
		metrics:   m,
		checkouts: checkouts,
		retriever: retriever,
		ingest:    ingester,
		hydrator:  hydrator,
		worker:    w,
		poller:    pollr,
		api:       srv,
	}, nil
}

// newRetriever returns a Retriever backed by OpenAI embeddings and Weaviate, or
// a disabled one when either is unconfigured.
func newRetriever(logger *zap.Logger) (*retrieval.Retriever, error) {
	index, err := newWeaviateIndex()
	if err != nil {
		return nil, err
	}
	key := viper.GetString("openai.api_key")
	if index == nil || key == "" {
		logger.Info("retrieval disabled; set openai.api_key and weaviate.host to enable")
		return retrieval.New(nil, nil, logger), nil
	}
	embedder := retrieval.NewOpenAIEmbedder(key, viper.GetString("openai.embedding_model"), viper.GetString("openai.base_url"))
	return retrieval.New(embedder, index, logger), nil
}

// newWeaviateIndex returns nil when weaviate.host is unset.
func newWeaviateIndex() (*retrieval.WeaviateIndex, error) {
	host := viper.GetString("weaviate.host")
	if host == "" {
		return nil, nil
	}
	index, err := retrieval.NewWeaviateIndex(retrieval.WeaviateConfig{
		Host:   host,
		Scheme: viper.GetString("weaviate.scheme"),
		APIKey: viper.GetString("weaviate.api_key"),
		Class:  viper.GetString("weaviate.class"),
	})
	if err != nil {
		return nil, fmt.Errorf("weaviate: %w", err)
	}
	return index, nil
}
