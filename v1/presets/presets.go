package presets

import (
	"errors"

	"github.com/mirkobrombin/warp-tx/v1/adapter"
	"github.com/mirkobrombin/warp-tx/v1/config"
	"github.com/mirkobrombin/warp-tx/v1/core"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	natstransport "github.com/mirkobrombin/warp-tx/v1/transport/nats"
	redistransport "github.com/mirkobrombin/warp-tx/v1/transport/redis"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cluster is a set of nodes sharing one in-process network.
type Cluster[T any] struct {
	Network *transport.Network
	Nodes   map[string]*core.Node[T]
}

// Node returns the node called name, or nil.
func (c *Cluster[T]) Node(name string) *core.Node[T] { return c.Nodes[name] }

// Close stops every node and the network.
func (c *Cluster[T]) Close() error {
	var errs []error
	for _, n := range c.Nodes {
		errs = append(errs, n.Close())
	}
	c.Network.Close()
	return errors.Join(errs...)
}

// NewInMemoryCluster creates one node per name, all connected through an
// in-process network. Every node gets cfg and opts.
// Useful for local development and tests.
func NewInMemoryCluster[T any](names []string, cfg config.Config, opts ...core.Option[T]) (*Cluster[T], error) {
	c := &Cluster[T]{Network: transport.NewNetwork(), Nodes: make(map[string]*core.Node[T], len(names))}
	eps := make(map[string]*transport.Endpoint, len(names))
	// every endpoint must exist before the first node starts replicating
	for _, name := range names {
		eps[name] = c.Network.Join(name)
	}
	for _, name := range names {
		nodeOpts := append([]core.Option[T]{
			core.WithTransport[T](eps[name]),
			core.WithConfig[T](cfg),
		}, opts...)
		n, err := core.New[T](nodeOpts...)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Nodes[name] = n
	}
	return c, nil
}

// NATSOptions configures a node replicating over NATS.
type NATSOptions struct {
	// Conn stays owned by the caller.
	Conn   *nats.Conn
	Node   string
	Peers  []string
	Logger *zap.Logger
}

// NewNATSNode creates a node replicating over NATS subjects.
func NewNATSNode[T any](opts NATSOptions, cfg config.Config, nodeOpts ...core.Option[T]) (*core.Node[T], error) {
	tr := natstransport.New(opts.Conn, opts.Node, opts.Peers, natstransport.WithLogger(opts.Logger))
	all := []core.Option[T]{core.WithTransport[T](tr), core.WithConfig[T](cfg), core.WithLogger[T](opts.Logger)}
	n, err := core.New[T](append(all, nodeOpts...)...)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return n, nil
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	Node   string
	Peers  []string
	Logger *zap.Logger
	// WriteThrough stores committed values in Redis hashes as well.
	WriteThrough bool
}

// RedisNode is a node using Redis pub/sub as its transport.
type RedisNode[T any] struct {
	*core.Node[T]
	Client *redis.Client
}

// Close stops the node and closes the Redis client.
func (n *RedisNode[T]) Close() error {
	return errors.Join(n.Node.Close(), n.Client.Close())
}

// NewRedisNode creates a node using Redis as the replication transport
// and, with WriteThrough, as its backing store.
func NewRedisNode[T any](opts RedisOptions, cfg config.Config, nodeOpts ...core.Option[T]) (*RedisNode[T], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	tr := redistransport.New(redistransport.Options{
		Client: client,
		Node:   opts.Node,
		Peers:  opts.Peers,
		Logger: opts.Logger,
	})
	all := []core.Option[T]{core.WithTransport[T](tr), core.WithConfig[T](cfg), core.WithLogger[T](opts.Logger)}
	if opts.WriteThrough {
		all = append(all, core.WithStore[T](adapter.NewRedisStore[T](client)))
	}
	n, err := core.New[T](append(all, nodeOpts...)...)
	if err != nil {
		_ = tr.Close()
		_ = client.Close()
		return nil, err
	}
	return &RedisNode[T]{Node: n, Client: client}, nil
}
