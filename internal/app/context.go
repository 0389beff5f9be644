package app

import (
	"database/sql"

	"optrack/internal/config"
	"optrack/internal/db"
	"optrack/internal/engine"
	"optrack/internal/migrate"
)

// Context bundles the open workspace database with the engine built on it.
// The CLI and the server share this bootstrap so both resolve config the
// same way: optrack.yml when present, built-in defaults otherwise.
type Context struct {
	Workspace string
	Conn      *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace directory, opens and migrates the database
// and loads the config.
func Open(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Context{
		Workspace: workspace,
		Conn:      conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	return c.Conn.Close()
}
