package app

import (
	"database/sql"
	"net/http"
	"path/filepath"

	"veristage/internal/config"
	"veristage/internal/construct"
	"veristage/internal/db"
	"veristage/internal/engine"
	"veristage/internal/migrate"
	"veristage/internal/scoring"
)

// Load opens the workspace database, applies migrations, reads
// veristage.yml (falling back to defaults) and returns a fully wired
// engine. The caller owns the connection and must Close it.
func Load(workspace, issuerID string) (engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	if cfg == nil {
		if issuerID == "" {
			issuerID = "local-issuer"
		}
		cfg = config.Default(issuerID)
	}
	e := Wire(engine.New(conn, cfg), workspace)
	return e, conn, nil
}

// Wire attaches the episode source, evidence root, adapters and scorer
// described by the engine's config. Relative dirs resolve against the
// workspace.
func Wire(e engine.Engine, workspace string) engine.Engine {
	cfg := e.Config
	if cfg == nil {
		return e
	}
	e.Episodes = engine.FileSource{Dir: resolveDir(workspace, cfg.Datasets.Dir, "datasets")}
	e.EvidenceRoot = resolveDir(workspace, cfg.Evidence.Dir, "evidence")
	e.Adapters = buildAdapters(cfg)
	e.Scorer = buildScorer(cfg)
	return e
}

func resolveDir(workspace, dir, fallback string) string {
	if dir == "" {
		dir = fallback
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

func buildAdapters(cfg *config.Config) map[string]construct.Adapter {
	adapters := make(map[string]construct.Adapter, len(cfg.Adapters))
	for name, a := range cfg.Adapters {
		switch a.Kind {
		case "http":
			adapters[name] = construct.HTTPAdapter{Endpoint: a.Endpoint, Client: &http.Client{}}
		case "mock":
			adapters[name] = construct.MockAdapter{}
		case "local":
			// no in-process function outside tests; invocations report ERROR
			adapters[name] = construct.LocalAdapter{}
		}
	}
	return adapters
}

func buildScorer(cfg *config.Config) scoring.Provider {
	switch cfg.Scorer.Kind {
	case "http":
		return scoring.HTTPProvider{
			Endpoint: cfg.Scorer.Endpoint,
			Ver:      cfg.Scorer.Version,
			Client:   &http.Client{},
		}
	default:
		return scoring.StaticProvider{
			Scores: cfg.Scorer.Static,
			Ver:    cfg.Scorer.Version,
		}
	}
}
