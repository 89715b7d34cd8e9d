package app

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"expensesync/internal/config"
	"expensesync/internal/receipt"
	"expensesync/internal/remote"
	"expensesync/internal/schema"
	"expensesync/internal/secret"
	"expensesync/internal/service"
	"expensesync/internal/storage"
	"expensesync/internal/syncer"
)

// App is the process context: built once at startup, closed at shutdown,
// and passed to every command.
type App struct {
	Config *config.Config
	Log    *zap.SugaredLogger

	DB       *storage.DB
	Client   *remote.Client
	Tokens   secret.SessionTokens
	Events   *service.Broadcaster
	Sync     *service.SyncService
	Receipts *receipt.Extractor
}

// New opens storage and wires the sync stack from cfg.
func New(cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	db, err := storage.Open(cfg.Storage, log.Named("storage"))
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	tokens := secret.SessionTokens{Store: newSecretStore(cfg.Session)}
	client := remote.New(remote.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		Headers:           cfg.API.Headers,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
	}, tokens, log.Named("remote"))

	events := service.NewBroadcaster()
	orch := syncer.New(
		cfg.Sources,
		db,
		client,
		schema.NewDeriver(client, log.Named("schema")),
		events,
		syncer.Config{Delay: cfg.Sync.Delay},
		log.Named("sync"),
	)

	return &App{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Client:   client,
		Tokens:   tokens,
		Events:   events,
		Sync:     service.NewSyncService(orch, db, events, log.Named("service")),
		Receipts: receipt.NewExtractor(client, cfg.API.ReceiptEndpoint, log.Named("receipt")),
	}, nil
}

// Close stops the scheduler and releases storage.
func (a *App) Close() error {
	a.Sync.Stop()
	return a.DB.Close()
}

func newSecretStore(cfg config.SessionConfig) secret.Store {
	if cfg.Backend == "keychain" {
		return secret.NewKeychainStore()
	}
	return secret.NewFileStore(cfg.Path)
}
