// Package etcd runs the leader election that lets only one consolidation
// instance plan at a time.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/drs"
)

// ErrNoLeader indicates nobody currently holds the election.
var ErrNoLeader = errors.New("no leader elected")

const campaignRetryDelay = 5 * time.Second

// Client wraps an etcd client and the session that backs the election.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	logger  *zap.Logger
}

// NewClient connects to etcd and opens a session with the configured TTL.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		prefix:  cfg.ElectionPrefix,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the session and the client.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

var _ drs.LeaderChecker = (*Leader)(nil)

// Leader is this instance's participation in the election.
type Leader struct {
	election *concurrency.Election
	identity string
	leader   atomic.Bool
	callback LeaderCallback
	logger   *zap.Logger
}

// Campaign joins the election in the background and keeps retrying until
// ctx is done. identity defaults to the hostname.
func (c *Client) Campaign(ctx context.Context, identity string, callback LeaderCallback) *Leader {
	if identity == "" {
		identity, _ = os.Hostname()
	}
	l := &Leader{
		election: concurrency.NewElection(c.session, c.prefix),
		identity: identity,
		callback: callback,
		logger:   c.logger,
	}

	go func() {
		for {
			if err := l.election.Campaign(ctx, identity); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(campaignRetryDelay):
				}
				continue
			}

			l.setLeader(true)
			select {
			case <-ctx.Done():
				l.setLeader(false)
				return
			case <-c.session.Done():
				l.setLeader(false)
				return
			}
		}
	}()

	return l
}

// IsLeader returns true if this instance currently holds the election.
func (l *Leader) IsLeader() bool {
	return l.leader.Load()
}

func (l *Leader) setLeader(leader bool) {
	if l.leader.Swap(leader) == leader {
		return
	}
	if leader {
		l.logger.Info("Became leader", zap.String("identity", l.identity))
	} else {
		l.logger.Info("Lost leadership", zap.String("identity", l.identity))
	}
	if l.callback != nil {
		l.callback(leader)
	}
}

// Resign gives up leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.IsLeader() {
		return nil
	}
	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}
	l.setLeader(false)
	return nil
}

// CurrentLeader returns the identity of the current leader.
func (c *Client) CurrentLeader(ctx context.Context) (string, error) {
	resp, err := concurrency.NewElection(c.session, c.prefix).Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", ErrNoLeader
		}
		return "", fmt.Errorf("failed to get leader: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}
