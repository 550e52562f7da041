package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"schemapilot/internal/errs"
)

type Options struct {
	URI         string
	User        string
	Password    string
	Database    string
	MaxPoolSize int
	Timeout     time.Duration
}

// Client wraps one driver shared by the sandbox, replay and migration adapters.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
	timeout  time.Duration
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	uri := strings.TrimSpace(opts.URI)
	if uri == "" {
		return nil, errors.New("neo4j uri is required")
	}
	user := strings.TrimSpace(opts.User)
	if user == "" {
		user = "neo4j"
	}
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, opts.Password, ""), func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = opts.MaxPoolSize
		cfg.SocketConnectTimeout = opts.Timeout
	})
	if err != nil {
		return nil, errs.Wrap(err, "init neo4j driver")
	}

	verifyCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(context.WithoutCancel(ctx))
		return nil, errs.Wrapf(err, "verify neo4j connectivity %s", uri)
	}

	return &Client{Driver: driver, Database: strings.TrimSpace(opts.Database), timeout: opts.Timeout}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}

func (c *Client) session(ctx context.Context, database string, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database, AccessMode: mode})
}

// run executes one auto-commit statement and drains its result.
func (c *Client) run(ctx context.Context, database string, statement string, params map[string]any) (neo4j.ResultSummary, error) {
	session := c.session(ctx, database, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, statement, params)
	if err != nil {
		return nil, err
	}
	return result.Consume(ctx)
}
